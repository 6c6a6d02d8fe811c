package persistence

import (
	"context"
	"errors"
	"sync"
)

const (
	stateActive     TxState = "active"
	statePrepared   TxState = "prepared"
	stateCommitting TxState = "committing"
	stateCommitted  TxState = "committed"
	stateAborted    TxState = "aborted"
)

type mockParticipant struct {
	id    string
	state TxState
	data  []byte
}

func newMockParticipant(id string, data string) *mockParticipant {
	return &mockParticipant{id: id, state: stateActive, data: []byte(data)}
}

func (m *mockParticipant) ParticipantID() string {
	return m.id
}

func (m *mockParticipant) RecoverableStates() []TxState {
	return []TxState{statePrepared, stateCommitting}
}

func (m *mockParticipant) FinalStates() []TxState {
	return []TxState{stateCommitted, stateAborted}
}

func (m *mockParticipant) ObjectImage(state TxState) ([]byte, error) {
	if len(m.data) == 0 {
		return nil, nil
	}
	if string(m.data) == "imageErr" {
		return nil, errors.New("imageErr")
	}
	return m.data, nil
}

// enter 先持久化，成功之后才迁移内存中的状态
func (m *mockParticipant) enter(ctx context.Context, mgr StateRecoveryManager, next TxState) error {
	if err := mgr.Persist(ctx, m, next); err != nil {
		return err
	}
	m.state = next
	return nil
}

func mockRestorer(img *StateImage) (Recoverable, error) {
	if img.ID == "restoreErr" {
		return nil, errors.New("restoreErr")
	}
	return &mockParticipant{id: img.ID, state: img.State, data: img.Data}, nil
}

type memStream struct {
	mux            sync.Mutex
	records        []*Record
	failAppend     error
	failCheckpoint error
	closed         bool
}

func (m *memStream) Replay(fn func(record *Record) error) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	for _, record := range m.records {
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStream) Append(record *Record) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	copied := *record
	copied.Data = append([]byte(nil), record.Data...)
	m.records = append(m.records, &copied)
	return nil
}

func (m *memStream) Checkpoint(images []*StateImage) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.failCheckpoint != nil {
		return m.failCheckpoint
	}
	records := []*Record{{Op: OpCheckpoint}}
	for _, img := range images {
		records = append(records, writeRecord(img.clone()))
	}
	m.records = records
	return nil
}

func (m *memStream) Close() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.closed = true
	return nil
}

func (m *memStream) len() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.records)
}
