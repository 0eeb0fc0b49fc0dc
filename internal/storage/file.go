package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "signupbot/pkg/logx"
)

const fileCompactEvery = 500

// fileDriver keeps all instances in memory and persists them as:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only, one full record per write)
//   - <prefix>.state.json (process settings, rewritten on every change)
//
// The journal is replayed over the snapshot on open and compacted into it
// every fileCompactEvery writes.
type fileDriver struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	statePath    string
	journal      *os.File
	byID         map[string]*Instance
	state        map[string]string
	writes       int
}

func openFile(cfg Config, log logx.Logger) (*fileDriver, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	d := &fileDriver{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		statePath:    prefix + ".state.json",
		byID:         map[string]*Instance{},
		state:        map[string]string{},
	}
	if err := readJSONFile(d.statePath, &d.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if err := loadSnapshot(d.snapshotPath, d.byID); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	journalPath := prefix + ".journal.jsonl"
	skipped, err := replayJournal(journalPath, d.byID)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	d.journal = jf
	if err := d.compactLocked(); err != nil {
		log.Debug("initial compact failed", logx.Err(err))
	}
	return d, nil
}

func (d *fileDriver) put(_ context.Context, inst *Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(inst)
}

func (d *fileDriver) get(_ context.Context, id string) (*Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.Clone(), nil
}

func (d *fileDriver) list(_ context.Context, definition string) ([]*Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return filterInstances(d.byID, func(i *Instance) bool { return i.Definition == definition }), nil
}

func (d *fileDriver) listOpen(_ context.Context) ([]*Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return filterInstances(d.byID, func(i *Instance) bool { return !i.Closed() }), nil
}

func (d *fileDriver) update(_ context.Context, id string, fn func(*Instance) (bool, error)) (*Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := d.writeLocked(next); err != nil {
			return nil, err
		}
	}
	return next.Clone(), nil
}

// writeLocked journals the record before exposing it in memory.
func (d *fileDriver) writeLocked(inst *Instance) error {
	if d.journal == nil {
		return errors.New("journal closed")
	}
	b, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := d.journal.Write(b); err != nil {
		return err
	}
	if err := d.journal.Sync(); err != nil {
		return err
	}
	d.byID[inst.ID] = inst.Clone()
	d.writes++
	if d.writes%fileCompactEvery == 0 {
		if err := d.compactLocked(); err != nil {
			d.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (d *fileDriver) getState(_ context.Context, key string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.state[key]
	return v, ok, nil
}

func (d *fileDriver) putState(_ context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make(map[string]string, len(d.state)+1)
	for k, v := range d.state {
		next[k] = v
	}
	next[key] = value
	if err := writeJSONFile(d.statePath, next); err != nil {
		return err
	}
	d.state = next
	return nil
}

// writeJSONFile replaces path atomically through a synced temp file.
func writeJSONFile(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSONFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

func (d *fileDriver) compactLocked() error {
	list := make([]*Instance, 0, len(d.byID))
	for _, inst := range d.byID {
		list = append(list, inst)
	}
	sortByOpened(list)
	if err := writeJSONFile(d.snapshotPath, list); err != nil {
		return err
	}
	if err := d.journal.Truncate(0); err != nil {
		return err
	}
	_, err := d.journal.Seek(0, io.SeekEnd)
	return err
}

func (d *fileDriver) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.journal == nil {
		return nil
	}
	err := d.compactLocked()
	if cerr := d.journal.Close(); err == nil {
		err = cerr
	}
	d.journal = nil
	return err
}

func loadSnapshot(path string, out map[string]*Instance) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []*Instance
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, inst := range list {
		if inst != nil && inst.ID != "" {
			out[inst.ID] = inst
		}
	}
	return nil
}

// replayJournal applies records in order; later records win. A torn last
// line from a crash is counted as skipped.
func replayJournal(path string, out map[string]*Instance) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var inst Instance
		if err := json.Unmarshal(sc.Bytes(), &inst); err != nil || inst.ID == "" {
			skipped++
			continue
		}
		out[inst.ID] = &inst
	}
	return skipped, sc.Err()
}
