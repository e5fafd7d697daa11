package merge

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"collabtext/coordinator/internal/store"
)

const contentKey = "content"

// TextEdit is the operation format understood by Text.
type TextEdit struct {
	Action string `json:"action"` // "insert" or "delete"
	Index  int    `json:"index"`
	Text   string `json:"text,omitempty"`
	Length int    `json:"length,omitempty"`
}

// History reads back the operations persisted for a room.
type History interface {
	Since(ctx context.Context, roomID string, after uint64) ([]store.Record, error)
}

// Text keeps one automerge document per room and applies text edits to it in
// sequence order. Because the relay has already serialized the room, edits
// are applied against the latest text; out of range positions are clamped and
// the clamped edit is what gets broadcast.
//
// With a History, documents of rooms nobody is in can be dropped and are
// rebuilt from the persisted log on next use. Without one the in-memory
// document is the only copy and is kept for the life of the process.
type Text struct {
	log     *zap.Logger
	history History
	docs    map[string]*roomDoc
	mu      sync.Mutex
}

type roomDoc struct {
	doc     *automerge.Doc
	lastSeq uint64
	mu      sync.Mutex
}

// NewText returns an empty text merger. history may be nil.
func NewText(log *zap.Logger, history History) *Text {
	return &Text{log: log.Named("merge.text"), history: history, docs: make(map[string]*roomDoc)}
}

// room returns the loaded document of roomID, replaying the persisted log when
// it is not in memory. Without create, a room with no document and no history
// yields nil.
func (t *Text) room(ctx context.Context, roomID string, create bool) (*roomDoc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rd, ok := t.docs[roomID]; ok {
		return rd, nil
	}

	var records []store.Record
	if t.history != nil {
		var err error
		if records, err = t.history.Since(ctx, roomID, 0); err != nil {
			return nil, fmt.Errorf("load history of %s: %w", roomID, err)
		}
	}
	if len(records) == 0 && !create {
		return nil, nil
	}

	doc := automerge.New()
	if err := doc.Path(contentKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("init document %s: %w", roomID, err)
	}
	if _, err := doc.Commit("init", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("init document %s: %w", roomID, err)
	}
	rd := &roomDoc{doc: doc}
	slices.SortFunc(records, func(a, b store.Record) int { return cmp.Compare(a.Seq, b.Seq) })
	for _, rec := range records {
		var edit TextEdit
		if err := json.Unmarshal(rec.Op, &edit); err != nil {
			t.log.Warn("skip unreadable operation", zap.String("room", roomID), zap.Uint64("seq", rec.Seq), zap.Error(err))
			continue
		}
		if rec.Seq <= rd.lastSeq {
			continue
		}
		if _, err := rd.apply(edit, rec.Seq); err != nil {
			t.log.Warn("skip operation", zap.String("room", roomID), zap.Uint64("seq", rec.Seq), zap.Error(err))
		}
	}
	if len(records) > 0 {
		t.log.Debug("document rebuilt", zap.String("room", roomID), zap.Int("operations", len(records)), zap.Uint64("seq", rd.lastSeq))
	}
	t.docs[roomID] = rd
	return rd, nil
}

// Merge applies op to the room document. Sequence numbers at or below the last
// applied one are duplicates and are returned unchanged without applying.
func (t *Text) Merge(ctx context.Context, roomID string, seq uint64, op json.RawMessage) (json.RawMessage, error) {
	var edit TextEdit
	if err := json.Unmarshal(op, &edit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	rd, err := t.room(ctx, roomID, true)
	if err != nil {
		return nil, err
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if seq <= rd.lastSeq {
		return op, nil
	}

	edit, err = rd.apply(edit, seq)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(edit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// apply clamps edit to the current text, applies and commits it. The caller
// holds rd.mu or owns rd exclusively.
func (rd *roomDoc) apply(edit TextEdit, seq uint64) (TextEdit, error) {
	text := rd.doc.Path(contentKey).Text()
	length := text.Len()
	edit.Index = clamp(edit.Index, 0, length)

	switch edit.Action {
	case "insert":
		if edit.Text == "" {
			return edit, fmt.Errorf("%w: empty insert", ErrInvalidOperation)
		}
		if err := text.Insert(edit.Index, edit.Text); err != nil {
			return edit, fmt.Errorf("apply insert: %w", err)
		}
	case "delete":
		edit.Length = clamp(edit.Length, 0, length-edit.Index)
		if edit.Length == 0 {
			return edit, fmt.Errorf("%w: empty delete", ErrInvalidOperation)
		}
		if err := text.Delete(edit.Index, edit.Length); err != nil {
			return edit, fmt.Errorf("apply delete: %w", err)
		}
	default:
		return edit, fmt.Errorf("%w: unknown action %q", ErrInvalidOperation, edit.Action)
	}

	if _, err := rd.doc.Commit(fmt.Sprintf("seq %d", seq)); err != nil {
		return edit, fmt.Errorf("commit seq %d: %w", seq, err)
	}
	rd.lastSeq = seq
	return edit, nil
}

// Content returns the current text of a room document and the last sequence
// number applied to it.
func (t *Text) Content(ctx context.Context, roomID string) (string, uint64, bool) {
	rd := t.loaded(ctx, roomID)
	if rd == nil {
		return "", 0, false
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	s, err := rd.doc.Path(contentKey).Text().Get()
	if err != nil {
		t.log.Warn("read document", zap.String("room", roomID), zap.Error(err))
		return "", rd.lastSeq, false
	}
	return s, rd.lastSeq, true
}

// Save serializes a room document in the automerge binary format.
func (t *Text) Save(ctx context.Context, roomID string) ([]byte, bool) {
	rd := t.loaded(ctx, roomID)
	if rd == nil {
		return nil, false
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.doc.Save(), true
}

func (t *Text) loaded(ctx context.Context, roomID string) *roomDoc {
	rd, err := t.room(ctx, roomID, false)
	if err != nil {
		t.log.Warn("load document", zap.String("room", roomID), zap.Error(err))
		return nil
	}
	return rd
}

// Drop forgets the in-memory document of a room. It is a no-op without a
// History, since the document could not be rebuilt.
func (t *Text) Drop(roomID string) {
	if t.history == nil {
		return
	}
	t.mu.Lock()
	delete(t.docs, roomID)
	t.mu.Unlock()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
