package id

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUnique(t *testing.T) {
	gen := NewGenerator()

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		s := gen.GenerateString()
		_, dup := seen[s]
		require.False(t, dup, "duplicate id %s", s)
		seen[s] = struct{}{}
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		prefix string
	}{
		{"job", NewJobID().String(), JobPrefix},
		{"event", NewEventID().String(), EventPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, strings.HasPrefix(tt.id, tt.prefix+"_"))
			assert.True(t, IsValid(tt.id))
		})
	}
}

func TestJobIDsSortByCreation(t *testing.T) {
	first := NewJobID()
	time.Sleep(2 * time.Millisecond)
	second := NewJobID()

	assert.Less(t, first.String(), second.String())
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	jobID := NewJobID()

	ts, err := Timestamp(jobID.String())
	require.NoError(t, err)
	assert.True(t, ts.After(before))

	_, err = Timestamp("job_not-a-ulid")
	assert.Error(t, err)
}

func TestConcurrentGeneration(t *testing.T) {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[JobID]struct{})
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				jobID := NewJobID()
				mu.Lock()
				ids[jobID] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1000)
}
