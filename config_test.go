package dmalloc

import "testing"

func TestParseOptionsDefaults(t *testing.T) {
	cfg, err := ParseOptions("")
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	if cfg.BlockSize != want.BlockSize || cfg.SmallestBlock != want.SmallestBlock {
		t.Fatalf("empty option string should equal DefaultConfig, got %+v", cfg)
	}
}

func TestParseOptionsFlagsAndFences(t *testing.T) {
	cfg, err := ParseOptions("check-fence,log-trans,debug=0x4")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Flags.CheckFence {
		t.Fatal("check-fence alias did not set Flags.CheckFence")
	}
	if !cfg.Flags.LogTrans {
		t.Fatal("log-trans alias did not set Flags.LogTrans")
	}
	if cfg.FenceBottom != 16 || cfg.FenceTop != 16 {
		t.Fatalf("fences should keep their default widths when check-fence is set, got bottom=%d top=%d", cfg.FenceBottom, cfg.FenceTop)
	}
	cfg, err = ParseOptions("debug=0x4")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Flags.LogTrans {
		t.Fatal("debug=0x4 bit should also turn on LogTrans")
	}
}

func TestParseOptionsFencesClearedWithoutCheckFence(t *testing.T) {
	cfg, err := ParseOptions("log-stats")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FenceBottom != 0 || cfg.FenceTop != 0 {
		t.Fatalf("fences should be zeroed when check-fence is not set, got bottom=%d top=%d", cfg.FenceBottom, cfg.FenceTop)
	}
}

func TestParseOptionsAddrWatch(t *testing.T) {
	cfg, err := ParseOptions("addr=0x1000:5")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WatchAddr != 0x1000 {
		t.Fatalf("WatchAddr = %#x, want 0x1000", cfg.WatchAddr)
	}
	if cfg.WatchN != 5 {
		t.Fatalf("WatchN = %d, want 5", cfg.WatchN)
	}
}

func TestParseOptionsStartFileLine(t *testing.T) {
	cfg, err := ParseOptions("start=main.go:42")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StartAfterFile != "main.go" || cfg.StartAfterLine != 42 {
		t.Fatalf("got file=%q line=%d, want main.go:42", cfg.StartAfterFile, cfg.StartAfterLine)
	}
}

func TestParseOptionsBadDebugHex(t *testing.T) {
	if _, err := ParseOptions("debug=zzz"); err == nil {
		t.Fatal("expected error for malformed debug hex")
	}
}

func TestParseOptionsUnknownTokenIgnored(t *testing.T) {
	cfg, err := ParseOptions("log-stats,some-future-flag,check-heap")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Flags.LogStats || !cfg.Flags.CheckHeap {
		t.Fatal("known aliases around an unknown token should still be parsed")
	}
}
