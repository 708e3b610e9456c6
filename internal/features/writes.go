package features

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sandwichfarm/livefeed/internal/aggregates"
	"github.com/sandwichfarm/livefeed/internal/blocks"
	"github.com/sandwichfarm/livefeed/internal/docstore"
)

// ErrNotMember is returned when a user writes to a thread they are not part of
var ErrNotMember = errors.New("not a member of this thread")

// Writer performs the user actions that feed the live feeds. Writes go straight to the
// store; engines observe them through their subscriptions.
type Writer struct {
	store docstore.Store
	now   func() time.Time
	newID func() string
}

// NewWriter returns a Writer over store
func NewWriter(store docstore.Store) *Writer {
	return &Writer{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

func (w *Writer) put(ctx context.Context, author, collection, id string, fields map[string]string) (docstore.Document, error) {
	doc := docstore.Document{
		Collection: collection,
		ID:         id,
		Author:     author,
		CreatedAt:  w.now(),
		Fields:     fields,
	}
	if err := w.store.Put(ctx, doc); err != nil {
		return docstore.Document{}, fmt.Errorf("failed to write %s: %w", doc.Path(), err)
	}
	return doc, nil
}

// parent reads the document a write hangs under, so writes never create orphans
func (w *Writer) parent(ctx context.Context, collection, id string) (docstore.Document, error) {
	doc, err := w.store.Get(ctx, collection, id)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// thread reads a thread and checks that every user given is a member of it
func (w *Writer) thread(ctx context.Context, threadID string, users ...string) error {
	thread, err := w.parent(ctx, CollectionThreads, threadID)
	if err != nil {
		return err
	}
	for _, user := range users {
		if thread.Field(memberField(user)) != "1" {
			return fmt.Errorf("%s in thread %s: %w", user, threadID, ErrNotMember)
		}
	}
	return nil
}

// PostRequest creates a pending request
func (w *Writer) PostRequest(ctx context.Context, viewer, text string) (docstore.Document, error) {
	if text == "" {
		return docstore.Document{}, errors.New("request text is required")
	}
	return w.put(ctx, viewer, CollectionRequests, w.newID(), map[string]string{
		FieldStatus: StatusPending,
		FieldText:   text,
	})
}

// CloseRequest marks the viewer's request closed, removing it from the pending feed
func (w *Writer) CloseRequest(ctx context.Context, viewer, requestID string) error {
	req, err := w.store.Get(ctx, CollectionRequests, requestID)
	if err != nil {
		return err
	}
	if req.Author != viewer {
		return fmt.Errorf("request %s belongs to another user", requestID)
	}
	fields := copyFields(req.Fields)
	fields[FieldStatus] = StatusClosed
	req.Fields = fields
	return w.store.Put(ctx, req)
}

// Encourage adds an encouragement to a request. It awaits approval before it counts.
func (w *Writer) Encourage(ctx context.Context, viewer, requestID, text string) (docstore.Document, error) {
	if text == "" {
		return docstore.Document{}, errors.New("encouragement text is required")
	}
	if _, err := w.parent(ctx, CollectionRequests, requestID); err != nil {
		return docstore.Document{}, err
	}
	return w.put(ctx, viewer, encouragements(requestID), w.newID(), map[string]string{
		FieldStatus: StatusPending,
		FieldText:   text,
	})
}

// ApproveEncouragement publishes a pending encouragement
func (w *Writer) ApproveEncouragement(ctx context.Context, requestID, encouragementID string) error {
	if _, err := w.parent(ctx, CollectionRequests, requestID); err != nil {
		return err
	}
	doc, err := w.store.Get(ctx, encouragements(requestID), encouragementID)
	if err != nil {
		return err
	}
	fields := copyFields(doc.Fields)
	fields[FieldStatus] = StatusApproved
	doc.Fields = fields
	return w.store.Put(ctx, doc)
}

// Like records the viewer's like on a post. The like document is keyed by the viewer,
// so repeated likes are idempotent.
func (w *Writer) Like(ctx context.Context, viewer, postID string) error {
	if _, err := w.parent(ctx, CollectionPosts, postID); err != nil {
		return err
	}
	_, err := w.put(ctx, viewer, postLikes(postID), viewer, nil)
	return err
}

// Unlike removes the viewer's like
func (w *Writer) Unlike(ctx context.Context, viewer, postID string) error {
	return w.store.Delete(ctx, postLikes(postID), viewer)
}

// LikeComment records the viewer's like on a comment
func (w *Writer) LikeComment(ctx context.Context, viewer, postID, commentID string) error {
	if _, err := w.parent(ctx, CollectionPosts, postID); err != nil {
		return err
	}
	if _, err := w.parent(ctx, postComments(postID), commentID); err != nil {
		return err
	}
	_, err := w.put(ctx, viewer, commentLikes(postID, commentID), viewer, nil)
	return err
}

// Comment adds a comment to a post
func (w *Writer) Comment(ctx context.Context, viewer, postID, text string) (docstore.Document, error) {
	if text == "" {
		return docstore.Document{}, errors.New("comment text is required")
	}
	if _, err := w.parent(ctx, CollectionPosts, postID); err != nil {
		return docstore.Document{}, err
	}
	return w.put(ctx, viewer, postComments(postID), w.newID(), map[string]string{FieldText: text})
}

// Block hides the blocked user from the viewer, and the viewer from them
func (w *Writer) Block(ctx context.Context, viewer, blocked string) error {
	if viewer == blocked {
		return errors.New("cannot block yourself")
	}
	_, err := w.put(ctx, viewer, blocks.Collection, blocks.DocumentID(viewer, blocked), map[string]string{
		blocks.FieldBlocked: blocked,
	})
	return err
}

// Unblock removes a block
func (w *Writer) Unblock(ctx context.Context, viewer, blocked string) error {
	return w.store.Delete(ctx, blocks.Collection, blocks.DocumentID(viewer, blocked))
}

// StartThread opens a message thread between the viewer and another user
func (w *Writer) StartThread(ctx context.Context, viewer, other string) (docstore.Document, error) {
	if viewer == other {
		return docstore.Document{}, errors.New("a thread needs two members")
	}
	return w.put(ctx, viewer, CollectionThreads, w.newID(), map[string]string{
		memberField(viewer): "1",
		memberField(other):  "1",
	})
}

// SendMessage posts an unread message to the other member of a thread. Sender and
// recipient must both belong to the thread.
func (w *Writer) SendMessage(ctx context.Context, viewer, threadID, to, text string) (docstore.Document, error) {
	if text == "" {
		return docstore.Document{}, errors.New("message text is required")
	}
	if to == viewer {
		return docstore.Document{}, errors.New("cannot message yourself")
	}
	if err := w.thread(ctx, threadID, viewer, to); err != nil {
		return docstore.Document{}, err
	}
	return w.put(ctx, viewer, threadMessages(threadID), w.newID(), map[string]string{
		aggregates.FieldRecipient: to,
		FieldText:                 text,
	})
}

// MarkRead marks every unread message addressed to the viewer in a thread as read.
// It returns the number of messages updated.
func (w *Writer) MarkRead(ctx context.Context, viewer, threadID string) (int, error) {
	if err := w.thread(ctx, threadID, viewer); err != nil {
		return 0, err
	}
	msgs, err := w.readOnce(ctx, docstore.Query{Collection: threadMessages(threadID)}.Equal(aggregates.FieldRecipient, viewer))
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, msg := range msgs {
		if msg.Field(aggregates.FieldRead) == "1" {
			continue
		}
		fields := copyFields(msg.Fields)
		fields[aggregates.FieldRead] = "1"
		msg.Fields = fields
		if err := w.store.Put(ctx, msg); err != nil {
			return updated, fmt.Errorf("failed to mark %s read: %w", msg.Path(), err)
		}
		updated++
	}
	return updated, nil
}

// SetUrgency overrides the urgency threshold for every pending feed
func (w *Writer) SetUrgency(ctx context.Context, viewer string, threshold time.Duration) error {
	minutes := int(threshold / time.Minute)
	if minutes < 1 {
		return errors.New("urgency threshold must be at least one minute")
	}
	_, err := w.put(ctx, viewer, CollectionSettings, SettingUrgency, map[string]string{
		FieldMinutes: strconv.Itoa(minutes),
	})
	return err
}

// readOnce takes the first snapshot of a query and unsubscribes
func (w *Writer) readOnce(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	first := make(chan docstore.Snapshot, 1)
	unsub, err := w.store.Subscribe(ctx, q, func(snap docstore.Snapshot) {
		select {
		case first <- snap:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsub()

	select {
	case snap := <-first:
		return snap.Docs, snap.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	return out
}
