package melody

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/tools/godoc/vfs"

	"github.com/Lundis/go-tonebox/internal/logger"
)

// RegistryFile is the file at the root of a melody filesystem listing every melody.
const RegistryFile = "melodies.json"

// Library holds the melodies loaded from a filesystem.
type Library struct {
	log *zap.Logger

	lock     sync.RWMutex
	melodies map[Id]*Melody
}

func NewLibrary(log *zap.Logger) *Library {
	return &Library{
		log:      logger.OrNop(log),
		melodies: make(map[Id]*Melody),
	}
}

// LoadFolder loads melodies from a regular folder.
// See Load for more information.
func (l *Library) LoadFolder(folder string) error {
	return l.Load(vfs.OS(folder))
}

// Load replaces the library contents with the melodies listed in
// RegistryFile at the root of fileSystem. Melodies that fail validation are
// logged and skipped.
func (l *Library) Load(fileSystem vfs.Opener) error {
	start := time.Now()
	registry, err := loadRegistry(fileSystem, "/"+RegistryFile)
	if err != nil {
		return err
	}

	melodies := make(map[Id]*Melody, len(registry))
	for _, m := range registry {
		if m == nil {
			continue
		}
		if err := m.resolve(); err != nil {
			l.log.Warn("skipping melody", zap.String("id", string(m.Id)), zap.Error(err))
			continue
		}
		if _, dup := melodies[m.Id]; dup {
			l.log.Warn("duplicate melody id, keeping the last", zap.String("id", string(m.Id)))
		}
		melodies[m.Id] = m
	}

	l.lock.Lock()
	l.melodies = melodies
	l.lock.Unlock()

	l.log.Info("loaded melodies",
		zap.Int("count", len(melodies)),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (l *Library) Get(id Id) (*Melody, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	m, ok := l.melodies[id]
	return m, ok
}

// Ids returns the loaded melody ids in sorted order.
func (l *Library) Ids() []Id {
	l.lock.RLock()
	defer l.lock.RUnlock()
	ids := make([]Id, 0, len(l.melodies))
	for id := range l.melodies {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func readFile(fs vfs.Opener, path string) (data []byte, err error) {
	file, err := fs.Open(path)
	if err != nil {
		return
	}
	data, err = io.ReadAll(file)
	_ = file.Close()
	return
}

func loadRegistry(fs vfs.Opener, path string) (registry []*Melody, err error) {
	data, err := readFile(fs, path)
	if err != nil {
		err = fmt.Errorf("failed to open %s: %w", path, err)
		return
	}
	err = json.Unmarshal(data, &registry)
	if err != nil {
		err = fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return
}
