package rules

// severeTerms is the curated high-severity list: slurs, self-harm
// incitement, threats, and exploitation terms. A match always blocks
// regardless of sender history. Kept intentionally narrow — additions
// should err on the side of precision since there is no human in the loop
// at send time.
var severeTerms = []string{
	// Slurs.
	"nigger",
	"faggot",
	"kike",
	"spic",
	"chink",
	"tranny",

	// Self-harm incitement.
	"kys",
	"kill yourself",
	"go die",
	"neck yourself",

	// Threats and violence.
	"bomb threat",
	"shoot up",
	"heil hitler",

	// Exploitation.
	"child porn",
	"cp trade",
	"send nudes",
}

// profanityTerms is the general profanity list. Matches are masked, not
// blocked; the message is still delivered with the redacted content.
var profanityTerms = []string{
	"fuck",
	"fucking",
	"fucked",
	"shit",
	"bullshit",
	"ass",
	"asshole",
	"bitch",
	"bastard",
	"damn",
	"dick",
	"cock",
	"pussy",
	"cunt",
	"whore",
	"slut",
	"piss",
	"wanker",
	"twat",
	"prick",
}

var (
	severeList    = NewList(severeTerms)
	profanityList = NewList(profanityTerms)
)
