// Package vehicle defines the canonical per-frame detection model and the
// normalizer that turns raw detector output into it.
package vehicle

import "strings"

// Class is a recognised vehicle class label.
type Class string

const (
	ClassCar        Class = "car"
	ClassTruck      Class = "truck"
	ClassBus        Class = "bus"
	ClassMotorcycle Class = "motorcycle"
	ClassBicycle    Class = "bicycle"
	ClassVan        Class = "van"
	ClassPickup     Class = "pickup"
)

// Taxonomy lists every class the counting engine accepts, in reporting order.
var Taxonomy = []Class{
	ClassCar,
	ClassTruck,
	ClassBus,
	ClassMotorcycle,
	ClassBicycle,
	ClassVan,
	ClassPickup,
}

var taxonomySet = func() map[Class]struct{} {
	m := make(map[Class]struct{}, len(Taxonomy))
	for _, c := range Taxonomy {
		m[c] = struct{}{}
	}
	return m
}()

// ParseClass resolves a detector label to a Class. Labels are matched
// case-insensitively after trimming. The boolean is false for labels outside
// the taxonomy.
func ParseClass(label string) (Class, bool) {
	c := Class(strings.ToLower(strings.TrimSpace(label)))
	_, ok := taxonomySet[c]
	return c, ok
}

// DefaultClassLabels is the COCO class index table emitted by YOLO-family
// detectors. Only a few entries resolve into the taxonomy.
var DefaultClassLabels = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck",
	"boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra",
	"giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup",
	"fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}
