package world

import (
	"fmt"
	"sort"
)

// DefaultMarkets maps each market code to the domain its servers live under.
var DefaultMarkets = map[string]string{
	"de": "die-staemme.de",
	"ch": "staemme.ch",
	"en": "tribalwars.net",
	"nl": "tribalwars.nl",
	"pl": "plemiona.pl",
	"br": "tribalwars.com.br",
	"pt": "tribalwars.com.pt",
	"cs": "divokekmeny.cz",
	"ro": "triburile.ro",
	"ru": "voynaplemyon.com",
	"gr": "fyletikesmaxes.gr",
	"sk": "divoke-kmene.sk",
	"it": "tribals.it",
	"tr": "klanlar.org",
	"fr": "guerretribale.fr",
	"es": "guerrastribales.es",
	"ae": "tribalwars.ae",
	"uk": "tribalwars.co.uk",
	"us": "tribalwars.us",
}

// Markets maps market codes to domains.
type Markets map[string]string

// Codes returns the market codes in a stable order.
func (m Markets) Codes() []string {
	codes := make([]string, 0, len(m))
	for code := range m {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Domain returns the domain serving the given world.
func (m Markets) Domain(id string) (string, error) {
	domain, ok := m[Language(id)]
	if !ok {
		return "", fmt.Errorf("no market for world %q", id)
	}
	return domain, nil
}

// DiscoveryURL lists the live servers of a market.
func DiscoveryURL(domain string) string {
	return fmt.Sprintf("https://%s/backend/get_servers.php", domain)
}

// ConfigURL serves the ruleset XML of a world.
func ConfigURL(id, domain string) string {
	return fmt.Sprintf("https://%s.%s/interface.php?func=get_config", id, domain)
}

// FeedURL serves one map data file of a world.
func FeedURL(id, domain, file string) string {
	return fmt.Sprintf("https://%s.%s/map/%s", id, domain, file)
}
