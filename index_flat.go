package eventstore

import (
	"bufio"
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	json "github.com/goccy/go-json"
)

const (
	flatMagic      = "EVIX"
	flatVersion    = 1
	flatCurrent    = "CURRENT"
	flatLock       = "LOCK"
	flatVectors    = "vectors.bin"
	flatMapping    = "mapping.json"
	flatGenPrefix  = "gen-"
	flatBackend    = "flat"
	flatHeaderSize = 16
)

// FlatIndex is a dense row-major float32 matrix on disk with exact
// inner-product scoring. Each build is written to its own generation
// directory; a CURRENT pointer file is swapped by rename, so readers in
// this or another process always see a complete generation. The current
// and previous generations are kept.
//
// Commits are serialized by a mutex within the process and by an advisory
// lock on dir/LOCK across processes sharing the directory.
type FlatIndex struct {
	dir string

	commitMu sync.Mutex
	fileLock *flock.Flock

	mu  sync.RWMutex
	gen *flatGeneration // cached current generation
}

type flatGeneration struct {
	name string
	snap Snapshot
	ids  []string
	data []float32 // rows*dim, row-major
}

type flatMappingFile struct {
	IDs     []string  `json:"ids"`
	Dim     int       `json:"dim"`
	Model   string    `json:"model"`
	BuiltAt time.Time `json:"built_at"`
}

// NewFlatIndex opens (creating if needed) a flat index rooted at dir.
func NewFlatIndex(dir string) (*FlatIndex, error) {
	if dir == "" {
		return nil, errors.New("eventstore: flat index: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventstore: flat index: %w", err)
	}
	return &FlatIndex{dir: dir, fileLock: flock.New(filepath.Join(dir, flatLock))}, nil
}

// Backend implements Index.
func (f *FlatIndex) Backend() string { return flatBackend }

// Close implements Index.
func (f *FlatIndex) Close() error { return nil }

// Replace implements Index.
func (f *FlatIndex) Replace(ctx context.Context, model string, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("eventstore: flat index: %d ids for %d vectors", len(ids), len(vectors))
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("eventstore: flat index: vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	builtAt := time.Now().UTC()
	tmp, err := os.MkdirTemp(f.dir, fmt.Sprintf("%s%d-*.tmp", flatGenPrefix, builtAt.UnixNano()))
	if err != nil {
		return fmt.Errorf("eventstore: flat index: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(tmp), ".tmp")
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	if err := writeFileSync(filepath.Join(tmp, flatVectors), func(w io.Writer) error {
		return writeVectors(w, dim, vectors)
	}); err != nil {
		return fmt.Errorf("eventstore: flat index: writing vectors: %w", err)
	}
	mapping := flatMappingFile{IDs: ids, Dim: dim, Model: model, BuiltAt: builtAt}
	if mapping.IDs == nil {
		mapping.IDs = []string{}
	}
	if err := writeFileSync(filepath.Join(tmp, flatMapping), func(w io.Writer) error {
		return json.NewEncoder(w).Encode(mapping)
	}); err != nil {
		return fmt.Errorf("eventstore: flat index: writing mapping: %w", err)
	}

	if err := f.commit(ctx, tmp, name); err != nil {
		return err
	}
	committed = true

	data := make([]float32, 0, len(vectors)*dim)
	for _, v := range vectors {
		data = append(data, v...)
	}
	f.mu.Lock()
	f.gen = &flatGeneration{
		name: name,
		snap: Snapshot{Backend: flatBackend, Model: model, Dim: dim, Rows: len(ids), BuiltAt: builtAt},
		ids:  slices.Clone(mapping.IDs),
		data: data,
	}
	f.mu.Unlock()
	return nil
}

// commit moves a written generation into place, points CURRENT at it and
// prunes older generations, all under the commit locks. The generation
// CURRENT named before the swap is kept for readers still loading it.
func (f *FlatIndex) commit(ctx context.Context, tmp, name string) error {
	f.commitMu.Lock()
	defer f.commitMu.Unlock()
	locked, err := f.fileLock.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil {
		return fmt.Errorf("eventstore: flat index: locking: %w", err)
	}
	if !locked {
		return fmt.Errorf("eventstore: flat index: locking %s: not acquired", f.dir)
	}
	defer f.fileLock.Unlock()

	if err := os.Rename(tmp, filepath.Join(f.dir, name)); err != nil {
		return fmt.Errorf("eventstore: flat index: %w", err)
	}

	prev, _ := f.currentName()
	if err := writeFileSync(filepath.Join(f.dir, flatCurrent+".tmp"), func(w io.Writer) error {
		_, err := io.WriteString(w, name+"\n")
		return err
	}); err != nil {
		os.RemoveAll(filepath.Join(f.dir, name))
		return fmt.Errorf("eventstore: flat index: writing pointer: %w", err)
	}
	if err := os.Rename(filepath.Join(f.dir, flatCurrent+".tmp"), filepath.Join(f.dir, flatCurrent)); err != nil {
		os.RemoveAll(filepath.Join(f.dir, name))
		return fmt.Errorf("eventstore: flat index: swapping pointer: %w", err)
	}

	keep := []string{name, prev}
	if cur, err := f.currentName(); err == nil {
		keep = append(keep, cur)
	}
	f.prune(keep...)
	return nil
}

// prune removes generations other than keep.
func (f *FlatIndex) prune(keep ...string) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() || !strings.HasPrefix(n, flatGenPrefix) || strings.HasSuffix(n, ".tmp") {
			continue
		}
		if slices.Contains(keep, n) {
			continue
		}
		os.RemoveAll(filepath.Join(f.dir, n))
	}
}

func (f *FlatIndex) currentName() (string, error) {
	b, err := os.ReadFile(filepath.Join(f.dir, flatCurrent))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// current returns the live generation, reloading when another writer has
// moved the pointer. Returns nil if nothing has been built.
func (f *FlatIndex) current() (*flatGeneration, error) {
	name, err := f.currentName()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: flat index: reading pointer: %w", err)
	}

	f.mu.RLock()
	gen := f.gen
	f.mu.RUnlock()
	if gen != nil && gen.name == name {
		return gen, nil
	}

	gen, err = loadGeneration(filepath.Join(f.dir, name), name)
	if err != nil {
		// A writer may have pruned the generation after the pointer moved on.
		if latest, perr := f.currentName(); perr == nil && latest != name {
			gen, err = loadGeneration(filepath.Join(f.dir, latest), latest)
		}
		if err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.gen = gen
	f.mu.Unlock()
	return gen, nil
}

func loadGeneration(path, name string) (*flatGeneration, error) {
	mb, err := os.ReadFile(filepath.Join(path, flatMapping))
	if err != nil {
		return nil, fmt.Errorf("eventstore: flat index: reading mapping: %w", err)
	}
	var m flatMappingFile
	if err := json.Unmarshal(mb, &m); err != nil {
		return nil, fmt.Errorf("eventstore: flat index: decoding mapping: %w", err)
	}

	vf, err := os.Open(filepath.Join(path, flatVectors))
	if err != nil {
		return nil, fmt.Errorf("eventstore: flat index: %w", err)
	}
	defer vf.Close()
	rows, dim, data, err := readVectors(bufio.NewReader(vf))
	if err != nil {
		return nil, fmt.Errorf("eventstore: flat index: reading vectors: %w", err)
	}
	if rows != len(m.IDs) {
		return nil, fmt.Errorf("eventstore: flat index: mapping has %d ids, matrix has %d rows", len(m.IDs), rows)
	}
	if dim != m.Dim {
		return nil, fmt.Errorf("eventstore: flat index: mapping dim %d, matrix dim %d", m.Dim, dim)
	}

	return &flatGeneration{
		name: name,
		snap: Snapshot{Backend: flatBackend, Model: m.Model, Dim: dim, Rows: rows, BuiltAt: m.BuiltAt},
		ids:  m.IDs,
		data: data,
	}, nil
}

// Stat implements Index.
func (f *FlatIndex) Stat(ctx context.Context) (*Snapshot, error) {
	gen, err := f.current()
	if err != nil || gen == nil {
		return nil, err
	}
	snap := gen.snap
	return &snap, nil
}

// Load implements Index.
func (f *FlatIndex) Load(ctx context.Context) (*Snapshot, []string, error) {
	gen, err := f.current()
	if err != nil || gen == nil {
		return nil, nil, err
	}
	snap := gen.snap
	return &snap, slices.Clone(gen.ids), nil
}

// Query implements Index.
func (f *FlatIndex) Query(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	gen, err := f.current()
	if err != nil || gen == nil {
		return nil, err
	}
	if gen.snap.Rows == 0 || k <= 0 {
		return []Hit{}, nil
	}
	if len(vec) != gen.snap.Dim {
		return nil, fmt.Errorf("eventstore: flat index: query dimension %d, index dimension %d", len(vec), gen.snap.Dim)
	}
	return topK(gen.data, gen.snap.Dim, gen.ids, vec, k), nil
}

// topK scores every row against vec and keeps the best k in a min-heap.
func topK(data []float32, dim int, ids []string, vec []float32, k int) []Hit {
	h := make(hitHeap, 0, min(k, len(ids)))
	for row := range ids {
		hit := Hit{ID: ids[row], Row: row, Score: Dot(data[row*dim:(row+1)*dim], vec)}
		if len(h) < k {
			heap.Push(&h, hit)
			continue
		}
		if better(hit, h[0]) {
			h[0] = hit
			heap.Fix(&h, 0)
		}
	}
	out := []Hit(h)
	slices.SortFunc(out, func(a, b Hit) int {
		if better(a, b) {
			return -1
		}
		if better(b, a) {
			return 1
		}
		return 0
	})
	return out
}

// better orders hits by descending score, then ascending row.
func better(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Row < b.Row
}

// hitHeap keeps the worst retained hit at the root.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func writeVectors(w io.Writer, dim int, vectors [][]float32) error {
	var hdr [flatHeaderSize]byte
	copy(hdr[:4], flatMagic)
	binary.LittleEndian.PutUint32(hdr[4:], flatVersion)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(dim))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, v := range vectors {
		if _, err := w.Write(EncodeFloat32s(v)); err != nil {
			return err
		}
	}
	return nil
}

func readVectors(r io.Reader) (rows, dim int, data []float32, err error) {
	var hdr [flatHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	if string(hdr[:4]) != flatMagic {
		return 0, 0, nil, errors.New("bad magic")
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != flatVersion {
		return 0, 0, nil, fmt.Errorf("unsupported version %d", v)
	}
	rows = int(binary.LittleEndian.Uint32(hdr[8:]))
	dim = int(binary.LittleEndian.Uint32(hdr[12:]))
	if dim > 0 && rows > math.MaxInt32/dim {
		return 0, 0, nil, errors.New("matrix too large")
	}

	buf := make([]byte, rows*dim*4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, nil, err
	}
	return rows, dim, DecodeFloat32s(buf), nil
}

// writeFileSync writes a file through fn and fsyncs it before closing.
func writeFileSync(path string, fn func(io.Writer) error) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(file)
	if err := fn(bw); err != nil {
		file.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
