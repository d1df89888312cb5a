package storage

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chidi150c/optionpilot/internal/state"
	"github.com/chidi150c/optionpilot/internal/util"
)

// ErrCorrupt is returned when the snapshot (and its backup) cannot be decoded.
var ErrCorrupt = errors.New("corrupt engine snapshot")

var metricSaves = prometheus.NewCounterVec(
	prometheus.CounterOpts{Name: "autopilot_snapshot_saves_total", Help: "Engine snapshot writes by result"},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(metricSaves)
}

// SnapshotStore keeps EngineState as one JSON document, replaced atomically.
type SnapshotStore struct {
	Path string
}

func NewSnapshotStore(path string) *SnapshotStore { return &SnapshotStore{Path: path} }

func (s *SnapshotStore) Save(st *state.EngineState) error {
	if err := util.SaveJSON(s.Path, st); err != nil {
		metricSaves.WithLabelValues("error").Inc()
		return err
	}
	metricSaves.WithLabelValues("ok").Inc()
	return nil
}

// Load returns (nil, nil) when no snapshot exists yet.
func (s *SnapshotStore) Load() (*state.EngineState, error) {
	st := &state.EngineState{}
	err := util.LoadJSON(s.Path, st)
	switch {
	case err == nil:
		st.Normalize()
		return st, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case errors.Is(err, util.ErrMalformed):
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	default:
		return nil, err
	}
}
