package models

// ImageMeta describes a single acquired microscopy image and the
// experimental condition it was captured under. One image yields many
// detected objects; every object row inherits this metadata.
type ImageMeta struct {
	// TableNumber identifies the measurement table the image belongs to.
	// Together with ImageNumber it forms the join key to object rows.
	TableNumber string

	// ImageNumber is the per-table image identifier.
	ImageNumber string

	// Plate is the physical plate identifier. Plates are the batch unit:
	// measurements from the same plate may share systematic bias.
	Plate string

	// Well is the well position on the plate (e.g. "B03").
	Well string

	// Compound is the treatment applied to the well. The negative
	// control population is identified by a designated compound value.
	Compound string

	// Concentration is the treatment concentration in the well.
	Concentration float64
}

// Annotation is a ground-truth record for a (compound, concentration)
// pair, carrying the annotated mechanism of action.
type Annotation struct {
	Compound      string
	Concentration float64

	// MechanismOfAction is the annotated mechanism class, empty when the
	// condition has no ground-truth label.
	MechanismOfAction string
}

// WellKey identifies a (compound, concentration) condition, the key
// annotations are joined on.
type WellKey struct {
	Compound      string
	Concentration float64
}
