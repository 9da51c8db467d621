package photos

// classLongNames maps property class names to the directory names used in
// the staging area and the object store.
var classLongNames = map[string]string{
	"RE_1": "Residential",
	"MF_4": "MultiFamily",
	"CI_3": "Commercial",
	"LD_2": "Land",
}

// ClassLongName returns the directory name for a property class. Unknown
// classes keep their own name.
func ClassLongName(class string) string {
	if name, ok := classLongNames[class]; ok {
		return name
	}
	return class
}
