package store

import (
	"encoding/json"
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/mickamy/taqo/internal/model"
)

// Encode writes r as one indented JSON document terminated by a newline.
func Encode(w io.Writer, r *model.CollectResult) error {
	if r == nil {
		return errors.New("store: nil result")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return errors.Wrap(err, "store: encode")
	}
	return nil
}

// Decode reads one result document from rd.
func Decode(rd io.Reader) (*model.CollectResult, error) {
	var r model.CollectResult
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "store: decode")
	}
	return &r, nil
}

// Save writes r to path, replacing any existing file.
func Save(path string, r *model.CollectResult) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "store: create %s", path)
	}
	if err := Encode(file, r); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return errors.Wrapf(err, "store: close %s", path)
	}
	return nil
}

// Load reads the result document at path.
func Load(path string) (*model.CollectResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	defer func() {
		_ = file.Close()
	}()
	r, err := Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "store: load %s", path)
	}
	return r, nil
}
