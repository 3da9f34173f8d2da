package awareness

// adjectives, nouns, and colors back the anonymous identity fallback: a
// remote participant who reports no name/color is assigned a stable
// "Adjective Noun" name and a warm-palette color, all derived from
// different bit-shifted slices of the same client-id hash so two
// sessions from the same browser tab (same hash) always look identical.
var adjectives = [10]string{
	"Swift", "Quiet", "Bold", "Calm", "Clever",
	"Eager", "Gentle", "Lively", "Nimble", "Sunny",
}

var nouns = [10]string{
	"Otter", "Falcon", "Maple", "Comet", "Harbor",
	"Ember", "Willow", "Badger", "Meadow", "Lantern",
}

var warmColors = [10]string{
	"#f94144", "#f3722c", "#f8961e", "#f9844a", "#f9c74f",
	"#e85d04", "#dc2f02", "#e76f51", "#ee9b00", "#d00000",
}

// anonymousIdentity derives a stable {name, color} pair from a client id
// hash when the backend reports no profile for a remote participant,
// indexing each dictionary by a distinct slice of the hash's bits so the
// three picks vary independently of one another.
func anonymousIdentity(hash uint64) (name, color string) {
	adjective := adjectives[hash&0xF%10]
	noun := nouns[(hash>>4)&0xF%10]
	c := warmColors[(hash>>8)&0xF%10]
	return adjective + " " + noun, c
}
