package block

import (
	"testing"

	"github.com/deploymenttheory/go-vdisk/internal/types"
)

func testNode(sectors int64) *Node {
	n := newNode(NewGraph(), "test0", "")
	n.sectors = sectors
	return n
}

func TestCreateDirtyBitmapValidation(t *testing.T) {
	n := testNode(8192)

	if _, err := n.CreateDirtyBitmap("b", 100); err == nil {
		t.Error("non-power-of-two granularity should be rejected")
	}
	if _, err := n.CreateDirtyBitmap("b", 256); err == nil {
		t.Error("granularity below the sector size should be rejected")
	}

	b, err := n.CreateDirtyBitmap("b", 65536)
	if err != nil {
		t.Fatalf("CreateDirtyBitmap failed: %v", err)
	}
	if _, err := n.CreateDirtyBitmap("b", 65536); err == nil {
		t.Error("duplicate bitmap name should be rejected")
	}
	// Anonymous bitmaps never collide.
	if _, err := n.CreateDirtyBitmap("", 65536); err != nil {
		t.Errorf("first anonymous bitmap failed: %v", err)
	}
	if _, err := n.CreateDirtyBitmap("", 65536); err != nil {
		t.Errorf("second anonymous bitmap failed: %v", err)
	}

	if n.FindDirtyBitmap("b") != b {
		t.Error("FindDirtyBitmap should return the named bitmap")
	}
	if n.FindDirtyBitmap("missing") != nil {
		t.Error("FindDirtyBitmap should return nil for unknown names")
	}
}

func TestDirtyBitmapTracksWrites(t *testing.T) {
	n := testNode(8192)
	b, err := n.CreateDirtyBitmap("track", 65536) // 128 sectors per bit
	if err != nil {
		t.Fatalf("CreateDirtyBitmap failed: %v", err)
	}

	n.markBitmaps(0, 1)
	n.markBitmaps(1000, 10)

	if !b.Get(0) {
		t.Error("sector 0 should be dirty")
	}
	if !b.Get(127) {
		t.Error("the whole first bit's range should read dirty")
	}
	if b.Get(128) {
		t.Error("sector 128 belongs to a clean bit")
	}
	if !b.Get(1005) {
		t.Error("sector 1005 should be dirty")
	}
	if got := b.DirtyCount(); got != 2*65536 {
		t.Errorf("expected 2 dirty bits (%d bytes), got %d", 2*65536, got)
	}

	// Disabled bitmaps ignore writes but keep recorded bits.
	if err := b.Disable(); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	n.markBitmaps(4000, 1)
	if b.Get(4000) {
		t.Error("disabled bitmap must not record writes")
	}
	if got := b.DirtyCount(); got != 2*65536 {
		t.Errorf("disable must not drop bits, got %d", got)
	}
	if err := b.Enable(); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	n.markBitmaps(4000, 1)
	if !b.Get(4000) {
		t.Error("re-enabled bitmap should record writes again")
	}
}

func TestDirtyBitmapResetRounding(t *testing.T) {
	n := testNode(8192)
	b, err := n.CreateDirtyBitmap("r", 65536)
	if err != nil {
		t.Fatalf("CreateDirtyBitmap failed: %v", err)
	}

	if err := b.SetRange(0, 512); err != nil {
		t.Fatalf("SetRange failed: %v", err)
	}
	// A partial clear must leave the straddled edge bits dirty.
	if err := b.ResetRange(64, 128); err != nil {
		t.Fatalf("ResetRange failed: %v", err)
	}
	if !b.Get(64) {
		t.Error("partially cleared leading bit must stay dirty")
	}
	if !b.Get(191) {
		t.Error("partially cleared trailing bit must stay dirty")
	}

	// Whole-bit clears do take effect.
	if err := b.ResetRange(128, 128); err != nil {
		t.Fatalf("ResetRange failed: %v", err)
	}
	if b.Get(128) {
		t.Error("fully covered bit should clear")
	}

	if err := b.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if b.DirtyCount() != 0 {
		t.Errorf("expected empty bitmap after Clear, got %d", b.DirtyCount())
	}
}

func TestDirtyBitmapSuccessorLifecycle(t *testing.T) {
	n := testNode(8192)
	b, err := n.CreateDirtyBitmap("job", 65536)
	if err != nil {
		t.Fatalf("CreateDirtyBitmap failed: %v", err)
	}
	n.markBitmaps(0, 128)

	s, err := b.CreateSuccessor()
	if err != nil {
		t.Fatalf("CreateSuccessor failed: %v", err)
	}
	if !b.Frozen() {
		t.Error("parent should be frozen")
	}
	if _, err := b.CreateSuccessor(); err == nil {
		t.Error("double freeze should fail")
	}
	if err := b.SetRange(0, 1); err == nil {
		t.Error("frozen bitmap must refuse SetRange")
	}
	if err := n.ReleaseDirtyBitmap(b); err == nil {
		t.Error("frozen bitmap must refuse release")
	}

	// New writes land in the successor only.
	n.markBitmaps(256, 128)
	if b.Get(256) {
		t.Error("frozen parent must not record new writes")
	}
	if !s.Get(256) {
		t.Error("successor should record new writes")
	}

	// Success path: the successor inherits the name.
	survivor, err := b.Abdicate()
	if err != nil {
		t.Fatalf("Abdicate failed: %v", err)
	}
	if survivor != s {
		t.Error("Abdicate should return the successor")
	}
	if survivor.Name() != "job" {
		t.Errorf("successor should inherit the name, got %q", survivor.Name())
	}
	if n.FindDirtyBitmap("job") != survivor {
		t.Error("node should resolve the name to the survivor")
	}
	if survivor.Get(0) {
		t.Error("the parent's pre-freeze bits must not leak into the successor")
	}
}

func TestDirtyBitmapReclaim(t *testing.T) {
	n := testNode(8192)
	b, err := n.CreateDirtyBitmap("job", 65536)
	if err != nil {
		t.Fatalf("CreateDirtyBitmap failed: %v", err)
	}
	n.markBitmaps(0, 128)

	s, err := b.CreateSuccessor()
	if err != nil {
		t.Fatalf("CreateSuccessor failed: %v", err)
	}
	n.markBitmaps(256, 128)

	// Failure path: the successor's bits merge back into the parent.
	survivor, err := b.Reclaim()
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if survivor != b {
		t.Error("Reclaim should return the parent")
	}
	if b.Frozen() {
		t.Error("parent should thaw after reclaim")
	}
	if !b.Get(0) || !b.Get(256) {
		t.Error("parent should hold both its own and the successor's bits")
	}
	if n.FindDirtyBitmap("job") != b {
		t.Error("node should still resolve the name to the parent")
	}
	_ = s
}

func TestDirtyBitmapIter(t *testing.T) {
	n := testNode(1 << 20)
	b, err := n.CreateDirtyBitmap("it", 65536)
	if err != nil {
		t.Fatalf("CreateDirtyBitmap failed: %v", err)
	}
	if err := b.SetRange(128, 128); err != nil {
		t.Fatalf("SetRange failed: %v", err)
	}
	if err := b.SetRange(1024, 128); err != nil {
		t.Fatalf("SetRange failed: %v", err)
	}

	if got := b.NextDirty(0); got != 128 {
		t.Errorf("NextDirty(0) = %d, want 128", got)
	}
	if got := b.NextDirty(256); got != 1024 {
		t.Errorf("NextDirty(256) = %d, want 1024", got)
	}
	if got := b.NextDirty(2048); got != -1 {
		t.Errorf("NextDirty past the end = %d, want -1", got)
	}

	it := b.Iter(0)
	if got := it.Next(); got != 128 {
		t.Errorf("first dirty sector = %d, want 128", got)
	}
	if got := it.Next(); got != 1024 {
		t.Errorf("second dirty sector = %d, want 1024", got)
	}
	if got := it.Next(); got != -1 {
		t.Errorf("exhausted iterator = %d, want -1", got)
	}
	it.Seek(0)
	if got := it.Next(); got != 128 {
		t.Errorf("after Seek(0) = %d, want 128", got)
	}
}

func TestDirtyBitmapTruncate(t *testing.T) {
	n := testNode(8192)
	b, err := n.CreateDirtyBitmap("t", 65536)
	if err != nil {
		t.Fatalf("CreateDirtyBitmap failed: %v", err)
	}
	if err := b.SetRange(0, 8192); err != nil {
		t.Fatalf("SetRange failed: %v", err)
	}
	before := b.DirtyCount()

	b.truncate(4096)
	if got := b.DirtyCount(); got >= before {
		t.Errorf("truncated bitmap should drop tail bits: %d >= %d", got, before)
	}
	b.truncate(16384)
	if b.Get(8192 + types.SectorSize) {
		t.Error("grown area should start clean")
	}
}

func TestDirtyBitmapFrozenTruncatePanics(t *testing.T) {
	n := testNode(8192)
	b, err := n.CreateDirtyBitmap("t", 65536)
	if err != nil {
		t.Fatalf("CreateDirtyBitmap failed: %v", err)
	}
	if _, err := b.CreateSuccessor(); err != nil {
		t.Fatalf("CreateSuccessor failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("resizing a frozen bitmap should panic")
		}
	}()
	b.truncate(4096)
}
