package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		raw     string
		want    Location
		wantErr bool
	}{
		{
			raw:  "https://download.toontownrewritten.com/patches/",
			want: Location{Scheme: "https", URL: "https://download.toontownrewritten.com/patches"},
		},
		{
			raw:  "http://127.0.0.1:8080",
			want: Location{Scheme: "http", URL: "http://127.0.0.1:8080"},
		},
		{
			raw:  "s3://game-mirror/patches/live",
			want: Location{Scheme: "s3", URL: "s3://game-mirror/patches/live", Bucket: "game-mirror", Prefix: "patches/live"},
		},
		{
			raw:  "s3://game-mirror",
			want: Location{Scheme: "s3", URL: "s3://game-mirror", Bucket: "game-mirror"},
		},
		{raw: "ftp://example.com/patches", wantErr: true},
		{raw: "/local/path", wantErr: true},
		{raw: "https:///patches", wantErr: true},
		{raw: "s3:///prefix", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseLocation(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLocation() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLocation() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewSourceHTTP(t *testing.T) {
	src, err := NewSource(context.Background(), "https://download.example.com/patches", SourceOptions{UserAgent: "ua"})
	if err != nil {
		t.Fatal(err)
	}
	h, ok := src.(*HTTPSource)
	if !ok {
		t.Fatalf("expected *HTTPSource, got %T", src)
	}
	if h.String() != "https://download.example.com/patches" {
		t.Errorf("String() = %s", h.String())
	}
}

// mockS3 implements s3GetObjectAPI.
type mockS3 struct {
	objects map[string][]byte
	gotKey  string
	gotBkt  string
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.gotBkt = aws.ToString(in.Bucket)
	m.gotKey = aws.ToString(in.Key)
	data, ok := m.objects[m.gotKey]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func TestS3SourceOpen(t *testing.T) {
	client := &mockS3{objects: map[string][]byte{"patches/a.bin.bz2": []byte("payload")}}
	src := newS3Source(client, "mirror", "patches")

	rc, size, err := src.Open(context.Background(), "a.bin.bz2")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() {
		_ = rc.Close()
	}()

	if client.gotBkt != "mirror" || client.gotKey != "patches/a.bin.bz2" {
		t.Errorf("requested s3://%s/%s", client.gotBkt, client.gotKey)
	}
	if size != int64(len("payload")) {
		t.Errorf("size = %d", size)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "payload" {
		t.Errorf("body = %q", data)
	}
	if src.String() != "s3://mirror/patches" {
		t.Errorf("String() = %s", src.String())
	}
}

func TestS3SourceMissingObject(t *testing.T) {
	src := newS3Source(&mockS3{}, "mirror", "")
	if _, _, err := src.Open(context.Background(), "nope.bz2"); err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestS3SourceStages(t *testing.T) {
	client := &mockS3{objects: map[string][]byte{"a.bin.bz2": []byte("payload")}}
	s := NewStager(t.TempDir(), newS3Source(client, "mirror", ""), testLogger())

	art, err := s.Stage(context.Background(), entry("a.bin.bz2"))
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if art.Size != int64(len("payload")) {
		t.Errorf("Size = %d", art.Size)
	}
}

func TestNewS3SourceRequiresBucket(t *testing.T) {
	if _, err := NewS3Source(context.Background(), S3Options{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
