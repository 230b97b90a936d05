// Package models validates the ONNX model assets the pipeline depends on
// before any session is allowed to start. A model that is missing, truncated,
// or actually a download page or archive produces a hard failure up front
// instead of a crash deep inside the inference runtime.
package models

import (
	"errors"
	"fmt"
	"os"
)

// Size floors in bytes. Real model files are well above these; anything
// smaller is a failed or partial download.
const (
	segmentationModelMinBytes = 1 << 20  // Silero VAD ships around 6 MB
	embeddingModelMinBytes    = 32 << 20 // speaker embedding model ships around 71 MB
)

// ErrModelInvalid is wrapped by all verification failures.
var ErrModelInvalid = errors.New("models: model file invalid")

// Kind identifies which model asset is being verified, selecting its size floor.
type Kind int

const (
	KindSegmentation Kind = iota
	KindEmbedding
)

func (k Kind) String() string {
	switch k {
	case KindSegmentation:
		return "segmentation"
	case KindEmbedding:
		return "embedding"
	}
	return "unknown"
}

func (k Kind) minBytes() int64 {
	if k == KindEmbedding {
		return embeddingModelMinBytes
	}
	return segmentationModelMinBytes
}

// Verify checks that the file at path is a plausible ONNX model of the given
// kind. It checks existence, a kind-specific size floor, rejects archive
// formats, and requires the leading bytes to look like protobuf. Any failure
// is fatal for the session that needed the model.
func Verify(path string, kind Kind) error {
	if path == "" {
		return fmt.Errorf("%w: %s model path is empty", ErrModelInvalid, kind)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s model %q: %v", ErrModelInvalid, kind, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s model %q is a directory", ErrModelInvalid, kind, path)
	}
	if info.Size() < kind.minBytes() {
		return fmt.Errorf("%w: %s model %q is %d bytes, below the %d byte floor (truncated download?)",
			ErrModelInvalid, kind, path, info.Size(), kind.minBytes())
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s model %q: %v", ErrModelInvalid, kind, path, err)
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := f.Read(head); err != nil {
		return fmt.Errorf("%w: read %s model %q: %v", ErrModelInvalid, kind, path, err)
	}
	if err := checkMagic(head); err != nil {
		return fmt.Errorf("%w: %s model %q: %v", ErrModelInvalid, kind, path, err)
	}
	return nil
}

// checkMagic rejects known archive signatures and requires the first byte to
// be a plausible protobuf field tag. ONNX files are protobuf messages whose
// first field is a varint (ir_version, tag 0x08).
func checkMagic(head []byte) error {
	if len(head) >= 4 && head[0] == 'P' && head[1] == 'K' && head[2] == 0x03 && head[3] == 0x04 {
		return errors.New("file is a ZIP archive, not an ONNX model")
	}
	if len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b {
		return errors.New("file is GZIP compressed, not an ONNX model")
	}
	if len(head) >= 1 && (head[0] == '<' || head[0] == '{') {
		return errors.New("file looks like HTML or JSON, not an ONNX model")
	}
	// Protobuf field tags encode (field_number << 3) | wire_type; a zero
	// leading byte is never a valid tag.
	if len(head) >= 1 && head[0] == 0 {
		return errors.New("leading byte is not a valid protobuf tag")
	}
	return nil
}
