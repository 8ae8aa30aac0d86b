package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/model"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/utils"
)

// ErrQueueFull is returned by Storage.Handle when the writer falls behind.
var ErrQueueFull = errors.New("storage queue full")

// HistoryWriter persists point value rows. *db.DB implements it.
type HistoryWriter interface {
	SavePointValues(ctx context.Context, rows []model.PointValueRecord) error
}

// DefinitionSource resolves the definition a value belongs to.
type DefinitionSource interface {
	Definition(id string) (model.DataPointDefinition, bool)
}

// Storage writes point values to the history table asynchronously. Values
// equal to the last written one within the dedup TTL are skipped.
type Storage struct {
	writer HistoryWriter
	defs   DefinitionSource
	cache  *utils.ValueCache
	log    zerolog.Logger

	q      chan model.DataPointValue
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

const historyBatch = 200

// NewStorage starts the background writer.
func NewStorage(writer HistoryWriter, defs DefinitionSource, queueSize int, cache *utils.ValueCache, logger zerolog.Logger) *Storage {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if cache == nil {
		cache = utils.NewValueCache(time.Hour, nil)
	}
	s := &Storage{
		writer: writer,
		defs:   defs,
		cache:  cache,
		log:    logger.With().Str("component", "history").Logger(),
		q:      make(chan model.DataPointValue, queueSize),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Handle queues v unless it repeats the last written value.
func (s *Storage) Handle(v model.DataPointValue) error {
	if old, ok := s.cache.GetValue(v.ID); ok && utils.FloatsEqual(old, v.Value) {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("storage closed")
	}
	s.cache.SetValue(v.ID, v.Value)
	select {
	case s.q <- v:
		return nil
	default:
		s.cache.Delete(v.ID)
		return ErrQueueFull
	}
}

func (s *Storage) loop() {
	defer s.wg.Done()
	batch := make([]model.PointValueRecord, 0, historyBatch)
	for v := range s.q {
		batch = append(batch, s.record(v))
		// Drain whatever is already queued into the same insert.
	drain:
		for len(batch) < historyBatch {
			select {
			case more, ok := <-s.q:
				if !ok {
					break drain
				}
				batch = append(batch, s.record(more))
			default:
				break drain
			}
		}
		s.flush(batch)
		batch = batch[:0]
	}
}

func (s *Storage) flush(batch []model.PointValueRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.writer.SavePointValues(ctx, batch); err != nil {
		s.log.Error().Err(err).Int("rows", len(batch)).Msg("history write failed")
		// Forget the dedup entries so the values are written next time.
		for _, r := range batch {
			s.cache.Delete(r.Identifier)
		}
	}
}

func (s *Storage) record(v model.DataPointValue) model.PointValueRecord {
	r := model.PointValueRecord{
		Identifier:    v.ID,
		Raw:           int64(v.Raw),
		Value:         v.Value,
		Formatted:     v.Formatted,
		TransactionID: int(v.TransactionID),
		Timestamp:     v.Timestamp,
	}
	if d, ok := s.defs.Definition(v.ID); ok {
		r.Name = d.DisplayName()
		r.Address = int(d.Address)
		r.FunctionCode = int(d.FunctionCode)
		r.Format = string(d.Format)
		r.Unit = d.Unit
	}
	return r
}

// Close stops accepting values and waits for queued ones to be written.
func (s *Storage) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.q)
	s.mu.Unlock()
	s.wg.Wait()
}
