package checkpoint

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// backupName and temporaryName implement a safe write: write to a ".tmp" file, then rename the
// previous file to a "~" backup before replacing it.
func backupName(filename string) string    { return filename + "~" }
func temporaryName(filename string) string { return filename + ".tmp" }

func openWriterAndBackup(filename string) (io.WriteCloser, error) {
	return os.Create(temporaryName(filename))
}

func renameToFinal(filename string) error {
	if _, err := os.Stat(filename); err == nil {
		if err := os.Rename(filename, backupName(filename)); err != nil {
			return errors.Wrapf(err, "failed to rename %q to %q", filename, backupName(filename))
		}
	}
	if err := os.Rename(temporaryName(filename), filename); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", temporaryName(filename), filename)
	}
	return nil
}

func writeStatsFile(dir string, s Stats) error {
	filename := filepath.Join(dir, "stats.json")
	w, err := openWriterAndBackup(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary stats file for %q", filename)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		w.Close()
		return errors.Wrap(err, "failed to encode stats.json")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "failed to close temporary stats file")
	}
	return renameToFinal(filename)
}

func readStatsFile(dir string) (Stats, error) {
	filename := filepath.Join(dir, "stats.json")
	data, err := os.ReadFile(filename)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "failed to read %q", filename)
	}
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return Stats{}, errors.Wrapf(err, "failed to parse %q", filename)
	}
	return s, nil
}
