package mastercm

import (
	"testing"
	"time"
)

type fakeObject struct {
	versions []Version
	payloads [][]byte
}

func (f *fakeObject) Unpack(data []byte) (interface{}, error) { return data, nil }
func (f *fakeObject) NotifyNewVersion(v Version, payload interface{}) {
	f.versions = append(f.versions, v)
	f.payloads = append(f.payloads, payload.([]byte))
}
func (f *fakeObject) Send(to NodeID, data []byte) error { return nil }
func (f *fakeObject) GetLocalNode() NodeID              { return 1 }
func (f *fakeObject) GetInstanceID() uint32              { return 1 }
func (f *fakeObject) GetID() uint32                      { return 1 }

var _ Object = (*fakeObject)(nil)

func splitIntoFragments(data []byte, n int) [][]byte {
	size := (len(data) + n - 1) / n
	var out [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	return out
}

func TestAddFragmentReassemblesAndApplies(t *testing.T) {
	obj := &fakeObject{}
	cm := New(obj)
	defer cm.Close()

	data := []byte("the quick brown fox jumps over the lazy dog")
	frags := splitIntoFragments(data, 4)

	for i, f := range frags {
		if err := cm.AddFragment(1, 10, i, len(frags), f); err != nil {
			t.Fatalf("add fragment %d: %v", i, err)
		}
	}

	v, ok := cm.CommitNB()
	if !ok {
		t.Fatal("expected a commit to be ready")
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
	if len(obj.payloads) != 1 || string(obj.payloads[0]) != string(data) {
		t.Errorf("applied payload = %q, want %q", obj.payloads, data)
	}
}

func TestAddFragmentOutOfOrder(t *testing.T) {
	obj := &fakeObject{}
	cm := New(obj)
	defer cm.Close()

	data := []byte("order does not matter for fragment arrival")
	frags := splitIntoFragments(data, 3)

	if err := cm.AddFragment(2, 11, 2, len(frags), frags[2]); err != nil {
		t.Fatalf("add fragment 2: %v", err)
	}
	if err := cm.AddFragment(2, 11, 0, len(frags), frags[0]); err != nil {
		t.Fatalf("add fragment 0: %v", err)
	}
	if _, ok := cm.CommitNB(); ok {
		t.Fatal("commit should not be ready before all fragments arrive")
	}
	if err := cm.AddFragment(2, 11, 1, len(frags), frags[1]); err != nil {
		t.Fatalf("add fragment 1: %v", err)
	}

	if _, ok := cm.CommitNB(); !ok {
		t.Fatal("commit should be ready once all fragments arrive")
	}
	if string(obj.payloads[0]) != string(data) {
		t.Errorf("applied payload = %q, want %q", obj.payloads[0], data)
	}
}

func TestCommitNBEmptyQueue(t *testing.T) {
	cm := New(&fakeObject{})
	defer cm.Close()
	if _, ok := cm.CommitNB(); ok {
		t.Fatal("expected no commit ready on an empty queue")
	}
}

func TestPendingCommitCapIsEnforced(t *testing.T) {
	cm := New(&fakeObject{})
	defer cm.Close()

	for i := 0; i < maxPending; i++ {
		if err := cm.AddFragment(CommitID(i), 1, 0, 2, []byte("a")); err != nil {
			t.Fatalf("add fragment for commit %d: %v", i, err)
		}
	}

	err := cm.AddFragment(CommitID(maxPending), 1, 0, 2, []byte("a"))
	if err != ErrTooManyPendingCommits {
		t.Fatalf("err = %v, want ErrTooManyPendingCommits", err)
	}
	if cm.PendingCount() != maxPending {
		t.Errorf("pending = %d, want %d", cm.PendingCount(), maxPending)
	}
}

func TestDedupSuppressesDuplicateFragmentsAfterApply(t *testing.T) {
	obj := &fakeObject{}
	cm := New(obj)
	defer cm.Close()

	data := []byte("once applied, retransmitted fragments are dropped")
	if err := cm.AddFragment(5, 1, 0, 1, data); err != nil {
		t.Fatalf("add fragment: %v", err)
	}
	if _, ok := cm.CommitNB(); !ok {
		t.Fatal("expected commit ready")
	}

	// A retransmitted copy of the same commit should be dropped silently,
	// not re-queued for a second apply.
	if err := cm.AddFragment(5, 1, 0, 1, data); err != nil {
		t.Fatalf("add fragment (dup): %v", err)
	}
	if _, ok := cm.CommitNB(); ok {
		t.Fatal("duplicate commit should not be re-applied")
	}
	if len(obj.payloads) != 1 {
		t.Errorf("applied %d times, want 1", len(obj.payloads))
	}
}

func TestSyncVersionHeadReturnsCurrentVersion(t *testing.T) {
	obj := &fakeObject{}
	cm := New(obj)
	defer cm.Close()

	if v := cm.Sync(VersionHead); v != 0 {
		t.Errorf("head version = %d, want 0 before any commit", v)
	}

	if err := cm.AddFragment(1, 1, 0, 1, []byte("x")); err != nil {
		t.Fatalf("add fragment: %v", err)
	}
	cm.CommitNB()

	if v := cm.Sync(VersionHead); v != 1 {
		t.Errorf("head version = %d, want 1 after one commit", v)
	}
}

func TestSyncVersionNextBlocksUntilCommit(t *testing.T) {
	obj := &fakeObject{}
	cm := New(obj)
	defer cm.Close()

	next := make(chan Version, 1)
	go func() { next <- cm.Sync(VersionNext) }()
	time.Sleep(50 * time.Millisecond) // let the blocking pop register before we commit

	if err := cm.AddFragment(1, 1, 0, 1, []byte("x")); err != nil {
		t.Fatalf("add fragment: %v", err)
	}

	select {
	case v := <-next:
		if v != 1 {
			t.Errorf("version = %d, want 1", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sync(VersionNext) should have unblocked after a commit")
	}
}

func TestAddOldMaster(t *testing.T) {
	cm := New(&fakeObject{})
	defer cm.Close()

	if cm.IsOldMaster(42) {
		t.Fatal("node should not be an old master before AddOldMaster")
	}
	if err := cm.AddOldMaster(42, 7); err != nil {
		t.Fatalf("AddOldMaster: %v", err)
	}
	if !cm.IsOldMaster(42) {
		t.Fatal("node should be an old master after AddOldMaster")
	}
	subs := cm.Subscribers()
	if len(subs) != 1 || subs[0] != 42 {
		t.Errorf("subscribers = %v, want [42]", subs)
	}

	// Re-adding the same peer must not duplicate the subscriber list.
	if err := cm.AddOldMaster(42, 8); err != nil {
		t.Fatalf("AddOldMaster (repeat): %v", err)
	}
	if subs := cm.Subscribers(); len(subs) != 1 {
		t.Errorf("subscribers after repeat AddOldMaster = %v, want exactly one entry", subs)
	}
}
