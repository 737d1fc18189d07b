// Package dataset assembles the working table the pipeline consumes by
// joining the three sources a screening run produces: per-image
// metadata (plate, well, compound, concentration), per-object
// measurements (one row per detected cell, keyed by table and image
// number) and ground-truth annotations (mechanism of action per
// compound and concentration). The pipeline itself never joins; it
// receives the finished table and the ordered feature list.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"morphnorm/internal/models"
	"morphnorm/pkg/table"
)

// Canonical metadata column names in the joined table.
const (
	ColTableNumber   = "table_number"
	ColImageNumber   = "image_number"
	ColPlate         = "plate"
	ColWell          = "well"
	ColCompound      = "compound"
	ColConcentration = "concentration"
	ColMechanism     = "moa"
)

// imageKey joins object rows to the image they were detected in.
type imageKey struct {
	tableNumber string
	imageNumber string
}

// Load joins the three CSV sources into a table. Object rows referencing
// an unknown image and duplicate image keys are errors; conditions
// without a ground-truth annotation get an empty mechanism label.
// The returned feature names preserve the column order of the
// measurements file.
func Load(images, objects, annotations io.Reader) (*table.Table, []string, error) {
	meta, err := readImages(images)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read image metadata: %w", err)
	}
	moa, err := readAnnotations(annotations)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read annotations: %w", err)
	}
	return joinObjects(objects, meta, moa)
}

// LoadFiles is the file-path convenience form of Load.
func LoadFiles(imagesPath, objectsPath, annotationsPath string) (*table.Table, []string, error) {
	imgFile, err := os.Open(imagesPath)
	if err != nil {
		return nil, nil, err
	}
	defer imgFile.Close()

	objFile, err := os.Open(objectsPath)
	if err != nil {
		return nil, nil, err
	}
	defer objFile.Close()

	moaFile, err := os.Open(annotationsPath)
	if err != nil {
		return nil, nil, err
	}
	defer moaFile.Close()

	return Load(imgFile, objFile, moaFile)
}

// readImages parses the per-image metadata source into a key lookup.
func readImages(r io.Reader) (map[imageKey]models.ImageMeta, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("missing header: %w", err)
	}
	idx, err := columnIndex(header, ColTableNumber, ColImageNumber, ColPlate, ColWell, ColCompound, ColConcentration)
	if err != nil {
		return nil, err
	}

	meta := make(map[imageKey]models.ImageMeta)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		conc, err := strconv.ParseFloat(record[idx[ColConcentration]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid concentration %q", line, record[idx[ColConcentration]])
		}
		m := models.ImageMeta{
			TableNumber:   record[idx[ColTableNumber]],
			ImageNumber:   record[idx[ColImageNumber]],
			Plate:         record[idx[ColPlate]],
			Well:          record[idx[ColWell]],
			Compound:      record[idx[ColCompound]],
			Concentration: conc,
		}
		key := imageKey{tableNumber: m.TableNumber, imageNumber: m.ImageNumber}
		if _, dup := meta[key]; dup {
			return nil, fmt.Errorf("line %d: duplicate image key (%s, %s)", line, m.TableNumber, m.ImageNumber)
		}
		meta[key] = m
	}
	if len(meta) == 0 {
		return nil, fmt.Errorf("no image metadata rows")
	}
	return meta, nil
}

// readAnnotations parses the ground-truth source into a condition lookup.
func readAnnotations(r io.Reader) (map[models.WellKey]models.Annotation, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("missing header: %w", err)
	}
	idx, err := columnIndex(header, ColCompound, ColConcentration, ColMechanism)
	if err != nil {
		return nil, err
	}

	moa := make(map[models.WellKey]models.Annotation)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		conc, err := strconv.ParseFloat(record[idx[ColConcentration]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid concentration %q", line, record[idx[ColConcentration]])
		}
		ann := models.Annotation{
			Compound:          record[idx[ColCompound]],
			Concentration:     conc,
			MechanismOfAction: record[idx[ColMechanism]],
		}
		moa[models.WellKey{Compound: ann.Compound, Concentration: ann.Concentration}] = ann
	}
	return moa, nil
}

// joinObjects streams the measurement rows, attaching image metadata and
// annotations, and builds the columnar table. Empty measurement fields
// become NaN, the table's missing-value convention.
func joinObjects(r io.Reader, meta map[imageKey]models.ImageMeta, moa map[models.WellKey]models.Annotation) (*table.Table, []string, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read measurements header: %w", err)
	}
	idx, err := columnIndex(header, ColTableNumber, ColImageNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("measurements: %w", err)
	}

	// Every non-key column is a feature, in file order.
	var features []string
	var featureCols []int
	for i, name := range header {
		if i == idx[ColTableNumber] || i == idx[ColImageNumber] {
			continue
		}
		features = append(features, name)
		featureCols = append(featureCols, i)
	}
	if len(features) == 0 {
		return nil, nil, fmt.Errorf("measurements file has no feature columns")
	}

	var plates, wells, compounds, mechanisms []string
	var concentrations []float64
	values := make([][]float64, len(features))

	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		key := imageKey{tableNumber: record[idx[ColTableNumber]], imageNumber: record[idx[ColImageNumber]]}
		m, ok := meta[key]
		if !ok {
			return nil, nil, fmt.Errorf("line %d: measurement references unknown image (%s, %s)",
				line, key.tableNumber, key.imageNumber)
		}

		plates = append(plates, m.Plate)
		wells = append(wells, m.Well)
		compounds = append(compounds, m.Compound)
		concentrations = append(concentrations, m.Concentration)
		mechanisms = append(mechanisms, moa[models.WellKey{Compound: m.Compound, Concentration: m.Concentration}].MechanismOfAction)

		for j, col := range featureCols {
			field := record[col]
			if field == "" {
				values[j] = append(values[j], math.NaN())
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("line %d: feature %q: invalid value %q", line, features[j], field)
			}
			values[j] = append(values[j], v)
		}
	}

	if len(plates) == 0 {
		return nil, nil, fmt.Errorf("no measurement rows")
	}

	tbl := table.New(len(plates))
	if err := tbl.AddLabel(ColPlate, plates); err != nil {
		return nil, nil, err
	}
	if err := tbl.AddLabel(ColWell, wells); err != nil {
		return nil, nil, err
	}
	if err := tbl.AddLabel(ColCompound, compounds); err != nil {
		return nil, nil, err
	}
	if err := tbl.AddNumeric(ColConcentration, concentrations); err != nil {
		return nil, nil, err
	}
	if err := tbl.AddLabel(ColMechanism, mechanisms); err != nil {
		return nil, nil, err
	}
	for j, f := range features {
		if err := tbl.AddNumeric(f, values[j]); err != nil {
			return nil, nil, err
		}
	}
	return tbl, features, nil
}

// columnIndex locates required columns in a CSV header.
func columnIndex(header []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	for _, name := range required {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("required column %q not found", name)
		}
	}
	return idx, nil
}
