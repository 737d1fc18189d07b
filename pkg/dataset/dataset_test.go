package dataset

import (
	"math"
	"strings"
	"testing"
)

const imagesCSV = `table_number,image_number,plate,well,compound,concentration
1,1,plateA,B02,DMSO,0
1,2,plateA,B03,drugX,1.5
2,1,plateB,C04,drugX,3
`

const objectsCSV = `table_number,image_number,cell_area,nucleus_intensity
1,1,120.5,0.8
1,1,98.25,0.6
1,2,,1.2
2,1,150,0.9
`

const moaCSV = `compound,concentration,moa
drugX,1.5,Aurora kinase inhibitors
drugX,3,Aurora kinase inhibitors
`

// TestLoadJoinsThreeSources verifies the (table, image) and
// (compound, concentration) joins, the feature column ordering and the
// missing-value convention
func TestLoadJoinsThreeSources(t *testing.T) {
	tbl, features, err := Load(
		strings.NewReader(imagesCSV),
		strings.NewReader(objectsCSV),
		strings.NewReader(moaCSV),
	)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if tbl.NumRows() != 4 {
		t.Errorf("Expected 4 object rows, got %d", tbl.NumRows())
	}

	// Features preserve the measurements file column order
	if len(features) != 2 || features[0] != "cell_area" || features[1] != "nucleus_intensity" {
		t.Errorf("Expected features [cell_area nucleus_intensity], got %v", features)
	}

	plates, _ := tbl.Label(ColPlate)
	expectedPlates := []string{"plateA", "plateA", "plateA", "plateB"}
	for i, want := range expectedPlates {
		if plates[i] != want {
			t.Errorf("Row %d: expected plate %q, got %q", i, want, plates[i])
		}
	}

	compounds, _ := tbl.Label(ColCompound)
	if compounds[0] != "DMSO" || compounds[2] != "drugX" {
		t.Errorf("Compound join wrong: %v", compounds)
	}

	conc, _ := tbl.Numeric(ColConcentration)
	if conc[2] != 1.5 || conc[3] != 3 {
		t.Errorf("Concentration join wrong: %v", conc)
	}

	// Annotated conditions carry their mechanism, unannotated ones are empty
	moa, _ := tbl.Label(ColMechanism)
	if moa[0] != "" {
		t.Errorf("Expected empty mechanism for DMSO, got %q", moa[0])
	}
	if moa[2] != "Aurora kinase inhibitors" || moa[3] != "Aurora kinase inhibitors" {
		t.Errorf("Mechanism join wrong: %v", moa)
	}

	// Empty measurement fields become NaN
	area, _ := tbl.Numeric("cell_area")
	if area[0] != 120.5 || area[1] != 98.25 || area[3] != 150 {
		t.Errorf("Feature values wrong: %v", area)
	}
	if !math.IsNaN(area[2]) {
		t.Errorf("Expected NaN for empty measurement, got %v", area[2])
	}
}

// TestLoadUnknownImage verifies a measurement referencing an image that
// is not in the metadata fails the join
func TestLoadUnknownImage(t *testing.T) {
	objects := `table_number,image_number,cell_area
9,9,120.5
`
	_, _, err := Load(
		strings.NewReader(imagesCSV),
		strings.NewReader(objects),
		strings.NewReader(moaCSV),
	)
	if err == nil || !strings.Contains(err.Error(), "unknown image") {
		t.Errorf("Expected unknown image error, got %v", err)
	}
}

// TestLoadDuplicateImageKey verifies duplicate image keys are rejected
func TestLoadDuplicateImageKey(t *testing.T) {
	images := `table_number,image_number,plate,well,compound,concentration
1,1,plateA,B02,DMSO,0
1,1,plateA,B03,drugX,1.5
`
	_, _, err := Load(
		strings.NewReader(images),
		strings.NewReader(objectsCSV),
		strings.NewReader(moaCSV),
	)
	if err == nil || !strings.Contains(err.Error(), "duplicate image key") {
		t.Errorf("Expected duplicate key error, got %v", err)
	}
}

// TestLoadMissingRequiredColumn verifies header validation of each source
func TestLoadMissingRequiredColumn(t *testing.T) {
	images := `table_number,image_number,plate,well,compound
1,1,plateA,B02,DMSO
`
	_, _, err := Load(
		strings.NewReader(images),
		strings.NewReader(objectsCSV),
		strings.NewReader(moaCSV),
	)
	if err == nil || !strings.Contains(err.Error(), "concentration") {
		t.Errorf("Expected missing column error for concentration, got %v", err)
	}

	objects := `cell_area
1.5
`
	_, _, err = Load(
		strings.NewReader(imagesCSV),
		strings.NewReader(objects),
		strings.NewReader(moaCSV),
	)
	if err == nil {
		t.Errorf("Expected missing key column error for measurements")
	}
}

// TestLoadInvalidValue verifies malformed numeric fields are reported
// with their line number
func TestLoadInvalidValue(t *testing.T) {
	objects := `table_number,image_number,cell_area
1,1,not-a-number
`
	_, _, err := Load(
		strings.NewReader(imagesCSV),
		strings.NewReader(objects),
		strings.NewReader(moaCSV),
	)
	if err == nil || !strings.Contains(err.Error(), "cell_area") {
		t.Errorf("Expected invalid value error, got %v", err)
	}
}

// TestLoadNoMeasurements verifies an empty measurements file is rejected
func TestLoadNoMeasurements(t *testing.T) {
	objects := `table_number,image_number,cell_area
`
	_, _, err := Load(
		strings.NewReader(imagesCSV),
		strings.NewReader(objects),
		strings.NewReader(moaCSV),
	)
	if err == nil || !strings.Contains(err.Error(), "no measurement rows") {
		t.Errorf("Expected no measurement rows error, got %v", err)
	}
}
