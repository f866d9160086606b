// Package similarity builds the description similarity matrix and shares it
// between processes through memory mapped files.
package similarity

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

const scalarSize = 8

func rowParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// Publisher creates and owns the regions of one run.
// Only the coordinating process uses it.
type Publisher struct {
	dir     string
	names   Names
	logger  ectologger.Logger
	mu      sync.Mutex
	regions []*region
	closed  sync.Once
	err     error
}

func NewPublisher(dir string, names Names, logger ectologger.Logger) *Publisher {
	return &Publisher{dir: dir, names: names, logger: logger}
}

// Names returns the region names workers attach to
func (p *Publisher) Names() Names {
	return p.names
}

// Publish writes the shape regions, then the payload region
func (p *Publisher) Publish(ctx context.Context, m *Matrix) error {
	ctx, span := tracing.StartSpan(ctx, "similarity.Publisher.Publish")
	defer span.End()

	if len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("%w: matrix has %d values for shape %dx%d", ErrProtocol, len(m.Data), m.Rows, m.Cols)
	}

	if err := p.publishScalar(p.names.Width, m.Rows); err != nil {
		return err
	}
	if err := p.publishScalar(p.names.Height, m.Cols); err != nil {
		return err
	}

	payload, err := p.create(p.names.Similarities, len(m.Data)*scalarSize)
	if err != nil {
		return err
	}
	for i, v := range m.Data {
		binary.LittleEndian.PutUint64(payload.data[i*scalarSize:], math.Float64bits(v))
	}
	if err := payload.commit(); err != nil {
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"rows":    m.Rows,
		"columns": m.Cols,
		"region":  p.names.Similarities,
	}).Info("Published similarity index")
	return nil
}

func (p *Publisher) publishScalar(name string, value int) error {
	r, err := p.create(name, scalarSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.data, uint64(value))
	return r.commit()
}

func (p *Publisher) create(name string, size int) (*region, error) {
	r, err := createRegion(p.dir, name, size)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.regions = append(p.regions, r)
	p.mu.Unlock()
	return r, nil
}

// Close unmaps and unlinks every region this publisher created. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.closed.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		var errs []error
		for _, r := range p.regions {
			if err := r.unmap(); err != nil {
				errs = append(errs, err)
			}
			if err := r.unlink(); err != nil {
				errs = append(errs, err)
			}
		}
		p.regions = nil
		if len(errs) > 0 {
			p.err = errors.Wrap(errs[0], "failed to tear down similarity index")
		}
	})
	return p.err
}

// Index is a worker's read-only view of a published matrix.
// Regions are mapped on first use.
type Index struct {
	dir   string
	names Names

	once    sync.Once
	mu      sync.RWMutex
	err     error
	rows    int
	cols    int
	regions []*region
	payload []byte
}

// Attach returns a lazily attached index. No region is opened until the first lookup.
func Attach(dir string, names Names) *Index {
	return &Index{dir: dir, names: names}
}

func (ix *Index) attach() {
	ix.once.Do(func() {
		ix.mu.Lock()
		defer ix.mu.Unlock()
		ix.err = ix.open()
	})
}

func (ix *Index) open() error {
	rows, err := ix.readScalar(ix.names.Width)
	if err != nil {
		return err
	}
	cols, err := ix.readScalar(ix.names.Height)
	if err != nil {
		return err
	}

	payload, err := openRegion(ix.dir, ix.names.Similarities)
	if err != nil {
		return err
	}
	ix.regions = append(ix.regions, payload)
	if want := rows * cols * scalarSize; len(payload.data) != want {
		return fmt.Errorf("%w: payload is %d bytes, shape %dx%d needs %d", ErrProtocol, len(payload.data), rows, cols, want)
	}

	ix.rows, ix.cols, ix.payload = rows, cols, payload.data
	return nil
}

func (ix *Index) readScalar(name string) (int, error) {
	r, err := openRegion(ix.dir, name)
	if err != nil {
		return 0, err
	}
	ix.regions = append(ix.regions, r)
	if len(r.data) != scalarSize {
		return 0, fmt.Errorf("%w: region %s is %d bytes", ErrProtocol, name, len(r.data))
	}
	return int(binary.LittleEndian.Uint64(r.data)), nil
}

// Shape returns (#targets, #candidates)
func (ix *Index) Shape() (int, int, error) {
	ix.attach()
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.err != nil {
		return 0, 0, ix.err
	}
	return ix.rows, ix.cols, nil
}

// Similarity returns the cosine similarity of target row i and candidate column j
func (ix *Index) Similarity(i, j int) (float64, error) {
	ix.attach()
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.err != nil {
		return 0, ix.err
	}
	if i < 0 || i >= ix.rows || j < 0 || j >= ix.cols {
		return 0, fmt.Errorf("similarity index (%d, %d) out of range for shape %dx%d", i, j, ix.rows, ix.cols)
	}
	off := (i*ix.cols + j) * scalarSize
	return math.Float64frombits(binary.LittleEndian.Uint64(ix.payload[off:])), nil
}

// Detach unmaps every attached region. Later lookups fail with ErrDetached.
func (ix *Index) Detach() error {
	ix.once.Do(func() {})
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var first error
	for _, r := range ix.regions {
		if err := r.unmap(); err != nil && first == nil {
			first = err
		}
	}
	ix.regions = nil
	ix.payload = nil
	if ix.err == nil {
		ix.err = ErrDetached
	}
	return first
}
