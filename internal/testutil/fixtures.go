package testutil

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Fixture is an installed file together with its bzip2 artifact, as the
// distribution server publishes them.
type Fixture struct {
	Plain []byte // installed bytes
	Bzip2 []byte // artifact bytes
	SHA1  string // lower-case hex digest of Plain
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Pre-compressed bzip2 fixtures. The standard library can decode bzip2 but
// not encode it, so these bytes are checked in.
var (
	Phase3 = Fixture{
		Plain: []byte("phase_3 model data\n"),
		Bzip2: mustHex("425a683931415926535904bd71f40000085b800010400008000000a646cc0020003100000a0c99a99ea8d2cf024a8e10e063e2ee48a70a120097ae3e80"),
		SHA1:  "7ded315cc374cc116a663375fe718d9bf0ed319b",
	}
	Phase4 = Fixture{
		Plain: []byte("phase_4 model data\n"),
		Bzip2: mustHex("425a68393141592653599642e8810000085b800010400004000000a646cc0020003100000a0c99a99ea8d2cf024a8e10e063e2ee48a70a1212c85d1020"),
		SHA1:  "abc42c12cf907508e2137495a211054b04938126",
	}
	Phase5 = Fixture{
		Plain: []byte("phase_5 model data\n"),
		Bzip2: mustHex("425a68393141592653597ee6be840000085b800010400002000000a646cc0020003100000a0c99a99ea8d2cf024a8e10e063e2ee48a70a120fdcd7d080"),
		SHA1:  "f444255fed93bfc452019313049e7260e89e856c",
	}
	Engine = Fixture{
		Plain: []byte("#!/bin/sh\necho TTREngine\n"),
		Bzip2: mustHex("425a6839314159265359a4a8ea1f000002578000106800820014001ae18800200031434d3000440687a9a6ca082f8723adc033aaa9929921f177245385090a4a8ea1f0"),
		SHA1:  "212aa6136dc24ee0f8439ee69c246557e10a5ed8",
	}
	ABin = Fixture{
		Plain: []byte("a.bin contents\n"),
		Bzip2: mustHex("425a6839314159265359029f752c000001d180001040013a218c0020002298683210340d03a200565240fb85dc914e142400a7dd4b00"),
		SHA1:  "d9687c7f47eb9b14a3cca09e310fdae5b1ff418d",
	}
)

// Fixtures lists every bzip2 fixture.
var Fixtures = []Fixture{Phase3, Phase4, Phase5, Engine, ABin}

// Gzip compresses data with gzip.
func Gzip(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Zstd compresses data with zstd.
func Zstd(t testing.TB, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		t.Fatalf("zstd encoder: %v", err)
	}
	defer func() {
		_ = enc.Close()
	}()
	return enc.EncodeAll(data, nil)
}

// LZ4 compresses data as an lz4 frame.
func LZ4(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("lz4 write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("lz4 close: %v", err)
	}
	return buf.Bytes()
}
