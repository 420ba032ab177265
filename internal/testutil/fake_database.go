// Package testutil provides testing utilities for the record queue.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/record-batch-queue/pkg/database"
	"github.com/Sternrassler/record-batch-queue/pkg/record"
)

// Batch kinds recorded by FakeDatabase.
const (
	KindFetch  = "fetch"
	KindSave   = "save"
	KindDelete = "delete"
)

// Batch is one call received by FakeDatabase.
type Batch struct {
	Kind    string
	IDs     []record.ID
	Records []*record.Record
	Hints   database.Hints
	At      time.Time
}

// Responder answers one batch. It must call onDone exactly once; onItem is nil
// for deletes.
type Responder func(b Batch, onItem database.ItemFunc, onDone database.DoneFunc)

// FakeDatabase is an in-memory, asynchronous database.Database for tests.
// By default fetches report stored records (unknown_item otherwise), saves
// store a copy with a fresh change tag, and deletes remove and report every
// ID. Responders replace the default behavior per kind.
type FakeDatabase struct {
	mu         sync.Mutex
	records    map[record.ID]*record.Record
	responders map[string]Responder
	gates      map[string]chan struct{}
	batches    []Batch

	// in-flight tracking per lane (kind + QoS)
	inFlight    map[string]int
	maxInFlight map[string]int
}

// NewFakeDatabase creates an empty fake database.
func NewFakeDatabase() *FakeDatabase {
	return &FakeDatabase{
		records:     make(map[record.ID]*record.Record),
		responders:  make(map[string]Responder),
		gates:       make(map[string]chan struct{}),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

// Put stores rec directly.
func (f *FakeDatabase) Put(rec *record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Key()] = rec.Clone()
}

// Get returns the stored record for id.
func (f *FakeDatabase) Get(id record.ID) (*record.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id.Normalize()]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// SetResponder overrides the behavior for kind. A nil responder restores the
// default.
func (f *FakeDatabase) SetResponder(kind string, r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r == nil {
		delete(f.responders, kind)
		return
	}
	f.responders[kind] = r
}

// Hold makes batches of kind wait before they are answered. The returned
// function releases every held and future batch of kind.
func (f *FakeDatabase) Hold(kind string) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[kind] = gate

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gates[kind] == gate {
				delete(f.gates, kind)
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Batches returns a copy of every batch received so far.
func (f *FakeDatabase) Batches() []Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Batch, len(f.batches))
	copy(out, f.batches)
	return out
}

// BatchCount returns the number of batches of kind received so far.
func (f *FakeDatabase) BatchCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		if b.Kind == kind {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of simultaneously outstanding
// batches observed for kind at the given QoS.
func (f *FakeDatabase) MaxInFlight(kind string, qos database.QoS) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight[laneKey(kind, qos)]
}

// FetchRecords implements database.Database.
func (f *FakeDatabase) FetchRecords(ctx context.Context, ids []record.ID, hints database.Hints, onItem database.ItemFunc, onDone database.DoneFunc) {
	b := Batch{Kind: KindFetch, IDs: append([]record.ID(nil), ids...), Hints: hints}
	f.start(ctx, b, onItem, onDone, f.defaultFetch)
}

// SaveRecords implements database.Database.
func (f *FakeDatabase) SaveRecords(ctx context.Context, recs []*record.Record, hints database.Hints, onItem database.ItemFunc, onDone database.DoneFunc) {
	b := Batch{Kind: KindSave, Records: make([]*record.Record, len(recs)), Hints: hints}
	for i, rec := range recs {
		b.Records[i] = rec.Clone()
		b.IDs = append(b.IDs, rec.Key())
	}
	f.start(ctx, b, onItem, onDone, f.defaultSave)
}

// DeleteRecords implements database.Database.
func (f *FakeDatabase) DeleteRecords(ctx context.Context, ids []record.ID, hints database.Hints, onDone database.DoneFunc) {
	b := Batch{Kind: KindDelete, IDs: append([]record.ID(nil), ids...), Hints: hints}
	f.start(ctx, b, nil, onDone, f.defaultDelete)
}

func (f *FakeDatabase) start(ctx context.Context, b Batch, onItem database.ItemFunc, onDone database.DoneFunc, fallback Responder) {
	b.At = time.Now()
	lane := laneKey(b.Kind, b.Hints.QoS)

	f.mu.Lock()
	f.batches = append(f.batches, b)
	f.inFlight[lane]++
	if f.inFlight[lane] > f.maxInFlight[lane] {
		f.maxInFlight[lane] = f.inFlight[lane]
	}
	respond, ok := f.responders[b.Kind]
	if !ok {
		respond = fallback
	}
	gate := f.gates[b.Kind]
	f.mu.Unlock()

	// The lane is free again once onDone starts; the queue may submit the
	// next batch from inside it.
	done := func(deleted []record.ID, err error) {
		f.mu.Lock()
		f.inFlight[lane]--
		f.mu.Unlock()
		onDone(deleted, err)
	}

	go func() {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
			}
		}
		respond(b, onItem, done)
	}()
}

func (f *FakeDatabase) defaultFetch(b Batch, onItem database.ItemFunc, onDone database.DoneFunc) {
	for _, id := range b.IDs {
		if rec, ok := f.Get(id); ok {
			onItem(id, rec, nil)
			continue
		}
		onItem(id, nil, database.NewUnknownItemError(id))
	}
	onDone(nil, nil)
}

func (f *FakeDatabase) defaultSave(b Batch, onItem database.ItemFunc, onDone database.DoneFunc) {
	for _, rec := range b.Records {
		saved := rec.Clone()
		saved.ChangeTag = record.NewChangeTag()
		saved.ModifiedAt = time.Now()
		f.Put(saved)
		onItem(saved.Key(), saved, nil)
	}
	onDone(nil, nil)
}

func (f *FakeDatabase) defaultDelete(b Batch, _ database.ItemFunc, onDone database.DoneFunc) {
	f.mu.Lock()
	for _, id := range b.IDs {
		delete(f.records, id.Normalize())
	}
	f.mu.Unlock()
	onDone(append([]record.ID(nil), b.IDs...), nil)
}

func laneKey(kind string, qos database.QoS) string {
	return kind + "/" + string(qos)
}
