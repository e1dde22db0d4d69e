package taskstore_test

import (
	"testing"
	"time"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMsg(id string) a2a.Message {
	return a2a.Message{MessageID: id, Role: a2a.RoleUser, Parts: []a2a.Part{{Kind: a2a.PartKindText, Text: "hi"}}}
}

func TestCreate_MintsIDsAndSubmittedState(t *testing.T) {
	s := taskstore.New()
	task, err := s.Create(newMsg("m1"), nil)
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.NotEmpty(t, task.ContextID)
	assert.Equal(t, a2a.TaskStateSubmitted, task.Status.State)
	assert.Len(t, task.History, 1)
}

func TestCreate_ReusesProvidedContextID(t *testing.T) {
	s := taskstore.New()
	msg := newMsg("m1")
	msg.ContextID = "ctx-fixed"

	task, err := s.Create(msg, nil)
	require.NoError(t, err)
	assert.Equal(t, "ctx-fixed", task.ContextID)
}

func TestGet_NotFound(t *testing.T) {
	s := taskstore.New()
	_, err := s.Get("nope", 0)
	require.ErrorIs(t, err, taskstore.ErrNotFound)
}

func TestGet_TruncatesHistory(t *testing.T) {
	s := taskstore.New()
	task, _ := s.Create(newMsg("m1"), nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendHistory(task.ID, newMsg("extra")))
	}

	got, err := s.Get(task.ID, 2)
	require.NoError(t, err)
	assert.Len(t, got.History, 2)
}

func TestSetStatus_ValidTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    a2a.TaskState
		to      a2a.TaskState
		wantErr bool
	}{
		{"submitted to working", a2a.TaskStateSubmitted, a2a.TaskStateWorking, false},
		{"submitted to rejected", a2a.TaskStateSubmitted, a2a.TaskStateRejected, false},
		{"working to input-required", a2a.TaskStateWorking, a2a.TaskStateInputRequired, false},
		{"working to completed", a2a.TaskStateWorking, a2a.TaskStateCompleted, false},
		{"input-required to working", a2a.TaskStateInputRequired, a2a.TaskStateWorking, false},
		{"completed to working (final)", a2a.TaskStateCompleted, a2a.TaskStateWorking, true},
		{"submitted to completed (skip)", a2a.TaskStateSubmitted, a2a.TaskStateCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := taskstore.New()
			task, _ := s.Create(newMsg("m1"), nil)

			if tt.from != a2a.TaskStateSubmitted {
				if tt.from != a2a.TaskStateWorking {
					// submitted may only move to working or rejected, so reach
					// other source states by way of working.
					_, err := s.SetStatus(task.ID, a2a.TaskStateWorking, nil)
					require.NoError(t, err)
				}
				_, err := s.SetStatus(task.ID, tt.from, nil)
				require.NoError(t, err)
			}

			_, err := s.SetStatus(task.ID, tt.to, nil)
			if tt.wantErr {
				require.Error(t, err)
				var conflict *taskstore.ConflictError
				require.ErrorAs(t, err, &conflict)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAppendArtifact_NewArtifact(t *testing.T) {
	s := taskstore.New()
	task, _ := s.Create(newMsg("m1"), nil)

	require.NoError(t, s.AppendArtifact(task.ID, a2a.Artifact{
		ArtifactID: "art-1",
		Parts:      []a2a.Part{{Kind: a2a.PartKindText, Text: "chunk1"}},
	}, taskstore.ArtifactAppend{}))

	got, _ := s.Get(task.ID, 0)
	assert.Len(t, got.Artifacts, 1)
}

func TestAppendArtifact_AppendsToExisting(t *testing.T) {
	s := taskstore.New()
	task, _ := s.Create(newMsg("m1"), nil)

	require.NoError(t, s.AppendArtifact(task.ID, a2a.Artifact{
		ArtifactID: "art-1",
		Parts:      []a2a.Part{{Kind: a2a.PartKindText, Text: "chunk1"}},
	}, taskstore.ArtifactAppend{Append: true}))
	require.NoError(t, s.AppendArtifact(task.ID, a2a.Artifact{
		ArtifactID: "art-1",
		Parts:      []a2a.Part{{Kind: a2a.PartKindText, Text: "chunk2"}},
	}, taskstore.ArtifactAppend{Append: true}))

	got, _ := s.Get(task.ID, 0)
	require.Len(t, got.Artifacts, 1)
	assert.Len(t, got.Artifacts[0].Parts, 2)
}

func TestCancel_NonFinalSucceeds(t *testing.T) {
	s := taskstore.New()
	task, _ := s.Create(newMsg("m1"), nil)

	got, err := s.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, got.Status.State)
}

func TestCancel_FinalConflicts(t *testing.T) {
	s := taskstore.New()
	task, _ := s.Create(newMsg("m1"), nil)
	_, _ = s.SetStatus(task.ID, a2a.TaskStateWorking, nil)
	_, _ = s.SetStatus(task.ID, a2a.TaskStateCompleted, nil)

	_, err := s.Cancel(task.ID)
	require.Error(t, err)
	var conflict *taskstore.ConflictError
	require.ErrorAs(t, err, &conflict)

	// State unchanged.
	got, _ := s.Get(task.ID, 0)
	assert.Equal(t, a2a.TaskStateCompleted, got.Status.State)
}

func TestList_FiltersByContextID(t *testing.T) {
	s := taskstore.New()
	m1 := newMsg("m1")
	m1.ContextID = "ctx-a"
	m2 := newMsg("m2")
	m2.ContextID = "ctx-b"
	s.Create(m1, nil)
	s.Create(m2, nil)

	res, err := s.List(taskstore.ListFilter{ContextID: "ctx-a"})
	require.NoError(t, err)
	assert.Len(t, res.Tasks, 1)
}

func TestList_Pagination(t *testing.T) {
	s := taskstore.New()
	for i := 0; i < 5; i++ {
		s.Create(newMsg("m"), nil)
	}

	res, err := s.List(taskstore.ListFilter{PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, res.Tasks, 2)
	assert.Equal(t, 5, res.TotalSize)
	assert.NotEmpty(t, res.NextPageToken)

	res2, err := s.List(taskstore.ListFilter{PageSize: 2, PageToken: res.NextPageToken})
	require.NoError(t, err)
	assert.Len(t, res2.Tasks, 2)
}

func TestList_InvalidPageTokenErrors(t *testing.T) {
	s := taskstore.New()
	_, err := s.List(taskstore.ListFilter{PageToken: "not-valid-base64!!"})
	require.ErrorIs(t, err, taskstore.ErrInvalidPageToken)
}

func TestList_ExcludesArtifactsByDefault(t *testing.T) {
	s := taskstore.New()
	task, _ := s.Create(newMsg("m1"), nil)
	require.NoError(t, s.AppendArtifact(task.ID, a2a.Artifact{ArtifactID: "a"}, taskstore.ArtifactAppend{}))

	res, err := s.List(taskstore.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, res.Tasks[0].Artifacts)
}

func TestEvictTerminal_RemovesOldTerminalTasks(t *testing.T) {
	s := taskstore.New()
	task, _ := s.Create(newMsg("m1"), nil)
	_, _ = s.SetStatus(task.ID, a2a.TaskStateWorking, nil)
	_, _ = s.SetStatus(task.ID, a2a.TaskStateCompleted, nil)

	evicted := s.EvictTerminal(time.Now().Add(time.Hour))
	assert.Equal(t, []string{task.ID}, evicted)

	_, err := s.Get(task.ID, 0)
	require.ErrorIs(t, err, taskstore.ErrNotFound)
}

func TestEvictTerminal_SkipsNonTerminal(t *testing.T) {
	s := taskstore.New()
	task, _ := s.Create(newMsg("m1"), nil)

	evicted := s.EvictTerminal(time.Now().Add(time.Hour))
	assert.Empty(t, evicted)

	_, err := s.Get(task.ID, 0)
	require.NoError(t, err)
}
