package format

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDetectBytes(t *testing.T) {
	mz := make([]byte, 64)
	mz[0], mz[1] = 'M', 'Z'
	mz[0x3c] = 0x80

	badMZ := make([]byte, 64)
	badMZ[0], badMZ[1] = 'M', 'Z'

	fullPE := make([]byte, 0x90)
	copy(fullPE, mz)
	copy(fullPE[0x80:], "PE\x00\x00")
	noSig := make([]byte, 0x90)
	copy(noSig, mz)

	tests := []struct {
		name string
		in   []byte
		want Format
	}{
		{"elf", []byte("\x7fELF\x02\x01\x01"), ELF},
		{"macho64", []byte{0xcf, 0xfa, 0xed, 0xfe, 7, 0, 0, 1}, MachO},
		{"macho32be", []byte{0xfe, 0xed, 0xfa, 0xce}, MachO},
		{"fat", []byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 2}, MachOFat},
		{"fat64", []byte{0xca, 0xfe, 0xba, 0xbf, 0, 0, 0, 1}, MachOFat},
		{"java class", []byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 52}, Unknown},
		{"fat truncated", []byte{0xca, 0xfe, 0xba, 0xbe}, Unknown},
		{"archive", []byte("!<arch>\nfoo.o/"), Archive},
		{"thin archive", []byte("!<thin>\n"), Archive},
		{"pe", mz, PE},
		{"pe short", []byte("MZ\x90\x00"), PE},
		{"mz bad lfanew", badMZ, Unknown},
		{"pe signature", fullPE, PE},
		{"mz without pe signature", noSig, Unknown},
		{"empty", nil, Unknown},
		{"short", []byte{0x7f, 'E'}, Unknown},
		{"text", []byte("#!/bin/sh\necho hi\n"), Unknown},
	}
	for _, tc := range tests {
		if got := DetectBytes(tc.in); got != tc.want {
			t.Errorf("%s: DetectBytes = %v; want %v", tc.name, got, tc.want)
		}
	}
}

func TestDetectIdempotent(t *testing.T) {
	p := writeFile(t, "a.out", []byte{0xcf, 0xfa, 0xed, 0xfe, 7, 0, 0, 1, 3, 0, 0, 0, 2, 0, 0, 0})
	first := Detect(p)
	for i := 0; i < 5; i++ {
		if got := Detect(p); got != first {
			t.Fatalf("Detect call %d = %v; want %v", i, got, first)
		}
	}
	if first != MachO {
		t.Fatalf("Detect = %v; want %v", first, MachO)
	}
}

func TestDetectMissingFile(t *testing.T) {
	if got := Detect(filepath.Join(t.TempDir(), "missing")); got != Unknown {
		t.Fatalf("Detect(missing) = %v; want Unknown", got)
	}
}

func TestDetectPEReadsDOSHeader(t *testing.T) {
	mz := make([]byte, 128)
	mz[0], mz[1] = 'M', 'Z'
	mz[0x3c] = 0x40
	p := writeFile(t, "nosig.exe", mz)
	if got := Detect(p); got != Unknown {
		t.Fatalf("Detect without PE signature = %v; want Unknown", got)
	}
	copy(mz[0x40:], "PE\x00\x00")
	p = writeFile(t, "x.exe", mz)
	if got := Detect(p); got != PE {
		t.Fatalf("Detect = %v; want PE", got)
	}
	mz[0x3c] = 0x7e
	p = writeFile(t, "truncated.exe", mz)
	if got := Detect(p); got != Unknown {
		t.Fatalf("Detect with e_lfanew past the end = %v; want Unknown", got)
	}
}
