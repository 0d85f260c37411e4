package devcloud

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCVMReturnsSnapshot(t *testing.T) {
	s := newState()

	stored := s.addCVM(cvmRecord{VMUUID: "aa", AppID: "01", Status: "creating"})
	assert.Equal(t, 1, stored.ID)

	_, ok := s.updateCVM("aa", func(r *cvmRecord) { r.Status = "running" })
	require.True(t, ok)
	assert.Equal(t, "creating", stored.Status)

	rec, ok := s.findCVM("1")
	require.True(t, ok)
	assert.Equal(t, "running", rec.Status)
}

func TestAddCVMConcurrentUpdates(t *testing.T) {
	s := newState()

	var wg sync.WaitGroup
	ids := make(chan int, 50)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vmUUID := fmt.Sprintf("%032x", i)
			stored := s.addCVM(cvmRecord{VMUUID: vmUUID, AppID: "01", Status: "creating"})
			ids <- stored.ID
			s.updateCVM(vmUUID, func(r *cvmRecord) { r.Status = "updating" })
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 50)
	assert.Len(t, s.appCVMs("01"), 50)
}
