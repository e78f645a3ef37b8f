// Package jurisdiction infers the likely jurisdiction of an investigation
// subject from textual hints: location keywords, country-code TLDs in email
// domains and URLs, and explicit ISO codes. The slot resolver uses these
// guesses to pivot queries toward jurisdiction-specific phrasing and
// national registries.
package jurisdiction

import (
	"net/url"
	"strings"

	"github.com/teranos/scry/errors"
)

// Codes are lowercase ISO 3166-1 alpha-2 throughout.

var locationKeywords = map[string]string{
	"amsterdam":      "nl",
	"netherlands":    "nl",
	"rotterdam":      "nl",
	"eindhoven":      "nl",
	"dutch":          "nl",
	"berlin":         "de",
	"germany":        "de",
	"munich":         "de",
	"hamburg":        "de",
	"frankfurt":      "de",
	"cologne":        "de",
	"london":         "gb",
	"united kingdom": "gb",
	"great britain":  "gb",
	"england":        "gb",
	"scotland":       "gb",
	"manchester":     "gb",
	"edinburgh":      "gb",
	"belfast":        "gb",
	"new york":       "us",
	"boston":         "us",
	"washington":     "us",
	"new jersey":     "us",
	"usa":            "us",
	"united states":  "us",
	"san francisco":  "us",
	"los angeles":    "us",
	"seattle":        "us",
	"california":     "us",
	"delaware":       "us",
	"vancouver":      "ca",
	"canada":         "ca",
	"toronto":        "ca",
	"montreal":       "ca",
	"quebec":         "ca",
	"mexico":         "mx",
	"brazil":         "br",
	"sao paulo":      "br",
	"buenos aires":   "ar",
	"argentina":      "ar",
	"sydney":         "au",
	"melbourne":      "au",
	"australia":      "au",
	"brisbane":       "au",
	"singapore":      "sg",
	"hong kong":      "hk",
	"tokyo":          "jp",
	"japan":          "jp",
	"india":          "in",
	"delhi":          "in",
	"mumbai":         "in",
	"bangalore":      "in",
	"israel":         "il",
	"tel aviv":       "il",
	"uae":            "ae",
	"dubai":          "ae",
	"stockholm":      "se",
	"sweden":         "se",
	"oslo":           "no",
	"norway":         "no",
	"copenhagen":     "dk",
	"denmark":        "dk",
	"helsinki":       "fi",
	"finland":        "fi",
	"dublin":         "ie",
	"ireland":        "ie",
	"paris":          "fr",
	"france":         "fr",
	"madrid":         "es",
	"spain":          "es",
	"rome":           "it",
	"italy":          "it",
	"zurich":         "ch",
	"switzerland":    "ch",
	"luxembourg":     "lu",
	"cyprus":         "cy",
	"malta":          "mt",
}

var countryNames = map[string]string{
	"nl": "Netherlands",
	"de": "Germany",
	"be": "Belgium",
	"fr": "France",
	"it": "Italy",
	"es": "Spain",
	"gb": "United Kingdom",
	"ie": "Ireland",
	"ch": "Switzerland",
	"lu": "Luxembourg",
	"cy": "Cyprus",
	"mt": "Malta",
	"ca": "Canada",
	"us": "United States",
	"mx": "Mexico",
	"br": "Brazil",
	"ar": "Argentina",
	"au": "Australia",
	"nz": "New Zealand",
	"sg": "Singapore",
	"hk": "Hong Kong",
	"jp": "Japan",
	"kr": "South Korea",
	"in": "India",
	"il": "Israel",
	"ae": "United Arab Emirates",
	"se": "Sweden",
	"no": "Norway",
	"dk": "Denmark",
	"fi": "Finland",
}

var tldCountries = map[string]string{
	".nl":     "nl",
	".de":     "de",
	".be":     "be",
	".fr":     "fr",
	".it":     "it",
	".es":     "es",
	".co.uk":  "gb",
	".uk":     "gb",
	".ie":     "ie",
	".ch":     "ch",
	".lu":     "lu",
	".cy":     "cy",
	".mt":     "mt",
	".ca":     "ca",
	".us":     "us",
	".mx":     "mx",
	".br":     "br",
	".ar":     "ar",
	".com.au": "au",
	".au":     "au",
	".nz":     "nz",
	".sg":     "sg",
	".hk":     "hk",
	".jp":     "jp",
	".kr":     "kr",
	".in":     "in",
	".il":     "il",
	".ae":     "ae",
	".se":     "se",
	".no":     "no",
	".dk":     "dk",
	".fi":     "fi",
}

// registries names the public company and court registries worth citing when
// a query pivots into a jurisdiction
var registries = map[string][]string{
	"nl": {"KVK", "Kamer van Koophandel"},
	"de": {"Handelsregister", "Unternehmensregister"},
	"gb": {"Companies House"},
	"fr": {"Infogreffe", "RCS"},
	"us": {"SEC EDGAR", "OpenCorporates"},
	"ca": {"Corporations Canada"},
	"au": {"ASIC"},
	"sg": {"ACRA"},
	"hk": {"Companies Registry"},
	"ch": {"Zefix"},
	"lu": {"RCS Luxembourg"},
	"cy": {"Cyprus Registrar of Companies"},
	"se": {"Bolagsverket"},
	"no": {"Brønnøysundregistrene"},
	"dk": {"CVR"},
	"ie": {"CRO"},
}

// adjacency maps each jurisdiction to the ones an investigation most often
// spills into: bordering countries and the region's habitual incorporation
// destinations.
var adjacency = map[string][]string{
	"nl": {"be", "de", "lu", "gb"},
	"be": {"nl", "fr", "lu"},
	"de": {"nl", "ch", "fr", "lu"},
	"fr": {"be", "ch", "es", "it", "lu"},
	"es": {"fr"},
	"it": {"ch", "fr", "mt"},
	"gb": {"ie", "nl", "cy", "mt"},
	"ie": {"gb"},
	"ch": {"de", "fr", "it", "lu"},
	"lu": {"be", "de", "fr", "ch"},
	"cy": {"gb", "mt"},
	"mt": {"cy", "gb"},
	"us": {"ca", "mx", "gb"},
	"ca": {"us", "gb"},
	"mx": {"us"},
	"br": {"ar"},
	"ar": {"br"},
	"au": {"nz", "sg"},
	"nz": {"au"},
	"sg": {"hk", "au"},
	"hk": {"sg"},
	"jp": {"kr", "hk"},
	"kr": {"jp"},
	"in": {"sg", "ae"},
	"il": {"cy"},
	"ae": {"in", "cy"},
	"se": {"no", "dk", "fi"},
	"no": {"se", "dk"},
	"dk": {"se", "no", "de"},
	"fi": {"se"},
}

// Adjacent returns the jurisdictions worth pivoting into from code.
// Empty when the code is unknown or has no catalogued neighbors.
func Adjacent(code string) []string {
	return adjacency[strings.ToLower(code)]
}

// Normalize resolves user input into a lowercase ISO country code.
// Accepts explicit codes ("NL"), country names ("Netherlands"), and
// location keywords ("Amsterdam").
func Normalize(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New("jurisdiction cannot be empty")
	}

	lower := strings.ToLower(trimmed)

	// Explicit two-letter code
	if len(lower) == 2 {
		if _, ok := countryNames[lower]; ok {
			return lower, nil
		}
	}

	// Full country name
	for code, name := range countryNames {
		if strings.EqualFold(name, trimmed) {
			return code, nil
		}
	}

	// Location keyword scan
	if code := GuessFromLocation(lower); code != "" {
		return code, nil
	}

	return "", errors.Newf("unknown jurisdiction: %s", input)
}

// GuessFromLocation uses keyword heuristics to derive a jurisdiction code.
func GuessFromLocation(location string) string {
	lower := strings.ToLower(strings.TrimSpace(location))
	for keyword, code := range locationKeywords {
		if strings.Contains(lower, keyword) {
			return code
		}
	}
	return ""
}

// GuessFromEmail derives a jurisdiction from an email domain's TLD.
func GuessFromEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return GuessFromDomain(parts[1])
}

// GuessFromDomain derives a jurisdiction from a host name's TLD.
func GuessFromDomain(domain string) string {
	lower := strings.ToLower(strings.TrimSpace(domain))

	// Two-part TLDs before their one-part suffixes
	if strings.HasSuffix(lower, ".co.uk") {
		return "gb"
	}
	if strings.HasSuffix(lower, ".com.au") {
		return "au"
	}

	for tld, code := range tldCountries {
		if strings.HasSuffix(lower, tld) {
			return code
		}
	}
	return ""
}

// GuessFromURL derives a jurisdiction from a result URL. Checks a leading
// country-code subdomain (de.linkedin.com) before falling back to the TLD.
func GuessFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}

	host := strings.ToLower(u.Hostname())
	labels := strings.Split(host, ".")
	if len(labels) >= 3 && len(labels[0]) == 2 {
		if _, ok := countryNames[labels[0]]; ok {
			return labels[0]
		}
	}

	return GuessFromDomain(host)
}

// Name returns the English country name for a code, or "" if unknown.
func Name(code string) string {
	return countryNames[strings.ToLower(code)]
}

// Registries returns the public registries worth naming in queries pivoted
// into a jurisdiction. Returns nil when none are catalogued.
func Registries(code string) []string {
	return registries[strings.ToLower(code)]
}

// IsValid reports whether the code is a jurisdiction this package knows.
func IsValid(code string) bool {
	_, ok := countryNames[strings.ToLower(code)]
	return ok
}

// Validate ensures the code maps to a known jurisdiction.
func Validate(code string) error {
	if !IsValid(code) {
		return errors.Newf("invalid jurisdiction: %s", code)
	}
	return nil
}
