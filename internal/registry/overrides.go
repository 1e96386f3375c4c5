package registry

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"imagedeid/internal/services"
)

// Overrides maps accession numbers or MRNs directly to registry IDs. Operators
// use it for subjects the registry cannot match automatically.
type Overrides struct {
	byAccession map[string]string
	byMRN       map[string]string
}

// LoadOverrides reads a CSV with a c_id column and an accession or mrn column
// (or both). Rows without a c_id are ignored.
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "registry", "load overrides", path, err)
	}
	decoded, _, err := decodeText(data)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "registry", "load overrides", "unsupported encoding", err)
	}

	reader := csv.NewReader(bytes.NewReader(decoded))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "registry", "load overrides", "missing header row", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	cidCol, ok := col["c_id"]
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "registry", "load overrides", "override file needs a c_id column", nil)
	}
	accCol, hasAcc := col["accession"]
	mrnCol, hasMRN := col["mrn"]
	if !hasAcc && !hasMRN {
		return nil, services.Wrap(services.ErrValidation, "registry", "load overrides", "override file needs an accession or mrn column", nil)
	}

	o := &Overrides{byAccession: map[string]string{}, byMRN: map[string]string{}}
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read overrides: %w", err)
		}
		get := func(i int) string {
			if i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		cid := get(cidCol)
		if cid == "" {
			continue
		}
		if hasAcc {
			if acc := get(accCol); acc != "" {
				o.byAccession[acc] = cid
			}
		}
		if hasMRN {
			if mrn := NormalizeMRN(get(mrnCol)); mrn != "" {
				o.byMRN[mrn] = cid
			}
		}
	}
	return o, nil
}

// Lookup returns the override for an accession, then for an MRN.
func (o *Overrides) Lookup(accession, mrn string) (string, bool) {
	if o == nil {
		return "", false
	}
	if cid, ok := o.byAccession[strings.TrimSpace(accession)]; ok {
		return cid, true
	}
	if cid, ok := o.byMRN[NormalizeMRN(mrn)]; ok {
		return cid, true
	}
	return "", false
}

// Len returns the number of override entries.
func (o *Overrides) Len() int {
	if o == nil {
		return 0
	}
	return len(o.byAccession) + len(o.byMRN)
}
