package checkpoint

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/born-ml/born/tensor"
)

// Record is one persisted training state.
type Record struct {
	Epoch  int
	State  map[string]*tensor.RawTensor // backbone parameters and buffers
	Rotate map[string]*tensor.RawTensor // rotation head, nil when absent

	RunID     string
	Model     string
	Method    string
	CreatedAt time.Time
}

// HasRotate reports whether the record carries a rotation head.
func (r *Record) HasRotate() bool {
	return len(r.Rotate) > 0
}

var epochFile = regexp.MustCompile(`^(\d+)\.tar$`)

// Path returns <dir>/<epoch>.tar.
func Path(dir string, epoch int) string {
	return filepath.Join(dir, strconv.Itoa(epoch)+FileExtension)
}

// ShouldSave reports whether epoch is a checkpoint epoch of the range
// [start, stop) saved every freq epochs.
func ShouldSave(epoch, start, stop, freq int) bool {
	if freq <= 0 {
		return epoch == stop-1
	}
	return (epoch-start)%freq == 0 || epoch == stop-1
}

// Latest returns the path and epoch of the highest-epoch checkpoint in dir.
func Latest(dir string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", 0, fmt.Errorf("%w in %s: directory does not exist", ErrNoCheckpoint, dir)
		}
		return "", 0, fmt.Errorf("read checkpoint dir: %w", err)
	}

	best := -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := epochFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		epoch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		best = max(best, epoch)
	}
	if best < 0 {
		return "", 0, fmt.Errorf("%w in %s", ErrNoCheckpoint, dir)
	}
	return Path(dir, best), best, nil
}

// Save writes rec to <dir>/<rec.Epoch>.tar, creating dir if needed.
// The file is written to a temporary name and renamed into place.
func Save(dir string, rec *Record) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("checkpoint: nil record")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	header, payload, err := encode(rec)
	if err != nil {
		return "", err
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	tw := tar.NewWriter(tmp)
	if err := writeMember(tw, HeaderMember, headerJSON, header.CreatedAt); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := writeMember(tw, TensorsMember, payload, header.CreatedAt); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tw.Close(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close checkpoint: %w", err)
	}

	path := Path(dir, rec.Epoch)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return path, nil
}

func writeMember(tw *tar.Writer, name string, body []byte, mtime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(body)),
		ModTime: mtime,
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write %s header: %w", name, err)
	}
	if _, err := tw.Write(body); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// encode lays out every tensor of rec and returns the header and payload.
func encode(rec *Record) (Header, []byte, error) {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	header := Header{
		FormatVersion: FormatVersion,
		BornVersion:   BornVersion,
		RunID:         rec.RunID,
		Model:         rec.Model,
		Method:        rec.Method,
		Epoch:         rec.Epoch,
		CreatedAt:     createdAt,
		Sections:      map[string][]TensorMeta{},
	}

	var buf bytes.Buffer
	sections := []struct {
		name  string
		state map[string]*tensor.RawTensor
	}{
		{SectionState, rec.State},
		{SectionRotate, rec.Rotate},
	}
	for _, sec := range sections {
		if len(sec.state) == 0 {
			continue
		}
		names := make([]string, 0, len(sec.state))
		for name := range sec.state {
			names = append(names, name)
		}
		sort.Strings(names)

		metas := make([]TensorMeta, 0, len(names))
		for _, name := range names {
			if err := ValidateTensorName(name); err != nil {
				return Header{}, nil, err
			}
			raw := sec.state[name]
			if raw == nil {
				return Header{}, nil, fmt.Errorf("tensor %s/%s is nil", sec.name, name)
			}

			if pad := (DataAlignment - buf.Len()%DataAlignment) % DataAlignment; pad > 0 {
				buf.Write(make([]byte, pad))
			}
			data := raw.Data()
			metas = append(metas, TensorMeta{
				Name:   name,
				DType:  dtypeToString(raw.DType()),
				Shape:  []int(raw.Shape().Clone()),
				Offset: int64(buf.Len()),
				Size:   int64(len(data)),
			})
			buf.Write(data)
		}
		header.Sections[sec.name] = metas
	}

	payload := buf.Bytes()
	sum := sha256.Sum256(payload)
	header.DataSize = int64(len(payload))
	header.Checksum = hex.EncodeToString(sum[:])
	return header, payload, nil
}

// Load reads and validates a checkpoint written by Save.
func Load(path string) (*Record, error) {
	//nolint:gosec // G304: checkpoint paths come from the run configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	var headerJSON, payload []byte
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive %s: %w", path, err)
		}
		switch hdr.Name {
		case HeaderMember:
			if hdr.Size > maxHeaderSize {
				return nil, ErrHeaderTooLarge
			}
			headerJSON, err = io.ReadAll(tr)
		case TensorsMember:
			payload, err = io.ReadAll(tr)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", hdr.Name, err)
		}
	}
	if headerJSON == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingMember, HeaderMember)
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	if header.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, header.FormatVersion, FormatVersion)
	}
	if payload == nil && header.DataSize > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingMember, TensorsMember)
	}
	if err := ValidateHeader(&header, int64(len(payload))); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != header.Checksum {
		return nil, ErrChecksumMismatch
	}

	rec := &Record{
		Epoch:     header.Epoch,
		RunID:     header.RunID,
		Model:     header.Model,
		Method:    header.Method,
		CreatedAt: header.CreatedAt,
	}
	if rec.State, err = decodeSection(header.Sections[SectionState], payload); err != nil {
		return nil, err
	}
	if metas, ok := header.Sections[SectionRotate]; ok {
		if rec.Rotate, err = decodeSection(metas, payload); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func decodeSection(metas []TensorMeta, payload []byte) (map[string]*tensor.RawTensor, error) {
	out := make(map[string]*tensor.RawTensor, len(metas))
	for _, meta := range metas {
		dtype, ok := stringToDtype(meta.DType)
		if !ok {
			return nil, fmt.Errorf("unsupported dtype: %s", meta.DType)
		}
		shape := tensor.Shape(meta.Shape)
		if err := shape.Validate(); err != nil {
			return nil, fmt.Errorf("invalid shape for tensor %s: %w", meta.Name, err)
		}
		if want := int64(shape.NumElements() * dtype.Size()); want != meta.Size {
			return nil, &ValidationError{
				Type:    "size_mismatch",
				Tensor:  meta.Name,
				Details: fmt.Sprintf("shape %v needs %d bytes, header says %d", meta.Shape, want, meta.Size),
			}
		}

		raw, err := tensor.NewRaw(shape, dtype, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate tensor %s: %w", meta.Name, err)
		}
		copy(raw.Data(), payload[meta.Offset:meta.Offset+meta.Size])
		out[meta.Name] = raw
	}
	return out, nil
}
