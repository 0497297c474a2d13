package introspect

import "strings"

var (
	loginKeywords        = []string{"login", "signin", "auth"}
	registrationKeywords = []string{"register", "signup", "join"}
	ecommerceKeywords    = []string{"shop", "store", "product", "cart"}
	dashboardKeywords    = []string{"dashboard", "admin", "profile"}
	cartKeywords         = []string{"cart", "add to cart", "buy", "purchase"}
)

// classifyPage picks the page type from the URL and title first, then from
// the visible text and structure.
func classifyPage(rawURL string, fp *Fingerprint, text string) string {
	urlLower := strings.ToLower(rawURL)
	titleLower := strings.ToLower(fp.Title)

	inURLOrTitle := func(keywords []string) bool {
		return containsAny(urlLower, keywords) || containsAny(titleLower, keywords)
	}

	switch {
	case inURLOrTitle(loginKeywords):
		return PageLogin
	case inURLOrTitle(registrationKeywords):
		return PageRegistration
	case inURLOrTitle(ecommerceKeywords):
		return PageEcommerce
	case containsAny(text, dashboardKeywords):
		return PageDashboard
	case len(fp.Forms) > 0:
		return PageForm
	default:
		return PageGeneral
	}
}

func identifyFeatures(fp *Fingerprint, text string) []string {
	features := []string{}

	if fp.HasLoginForm {
		features = append(features, FeatureAuthentication)
	}

	if containsAny(text, cartKeywords) {
		features = append(features, FeatureShoppingCart)
	}

	if fp.HasSearch {
		features = append(features, FeatureSearch)
	}

	if len(fp.Links) > 5 {
		features = append(features, FeatureNavigation)
	}

	if len(fp.Forms) > 0 {
		features = append(features, FeatureFormSubmission)
	}

	return features
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}

	return false
}
