// Package pdfinfo reads metadata out of uploaded PDF files.
package pdfinfo

import (
	"errors"
	"fmt"
	"io"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var ErrNoPages = errors.New("pdfinfo: document has no pages")

func init() {
	// pdfcpu would otherwise create a config directory under $HOME
	pdfapi.DisableConfigDir()
}

// PageCount returns the number of pages of the PDF read from rs. rs is left
// at an arbitrary offset.
func PageCount(rs io.ReadSeeker) (int, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	n, err := pdfapi.PageCount(rs, conf)
	if err != nil {
		return 0, fmt.Errorf("pdfinfo: %w", err)
	}
	if n < 1 {
		return 0, ErrNoPages
	}
	return n, nil
}
