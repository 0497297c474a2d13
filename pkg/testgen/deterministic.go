package testgen

import (
	"fmt"

	"github.com/testpilot-io/testpilot/pkg/introspect"
)

func step(description, expected string) draftStep {
	return draftStep{Description: description, ExpectedResult: expected}
}

// deterministicDrafts builds exactly count stock test cases from the page
// fingerprint without calling any model.
func deterministicDrafts(fp *introspect.Fingerprint, count int) []draft {
	page := fp.Title
	if page == "" {
		page = fp.URL
	}

	stock := []draft{{
		Title:          "Page load",
		Description:    fmt.Sprintf("Verify that %s loads successfully", page),
		ExpectedResult: "The page loads without errors and its main content is visible",
		Tags:           []string{"smoke", "page-load"},
		Steps: []draftStep{
			step("Open "+fp.URL+" in a supported browser", "The page responds with a success status"),
			step("Wait for the page to finish loading", "No errors are shown and the title is displayed"),
		},
	}}

	if len(fp.Links) > 0 {
		stock = append(stock, draft{
			Title:          "Primary link navigation",
			Description:    "Verify that the first link on the page leads to a working page",
			ExpectedResult: "The linked page loads successfully",
			Tags:           []string{"navigation"},
			Steps: []draftStep{
				step("Open "+fp.URL, "The page is displayed"),
				step("Click the link to "+fp.Links[0], "The browser navigates to the linked page"),
				step("Verify the linked page content", "The linked page loads without errors"),
			},
		})
	}

	if fp.HasLoginForm {
		stock = append(stock, draft{
			Title:          "Login form with invalid credentials",
			Description:    "Verify error handling for invalid login attempts",
			Preconditions:  "No account exists for the credentials used",
			ExpectedResult: "An error message is shown and the user stays signed out",
			TestData:       []byte(`{"email":"invalid@test.com","password":"wrongPassword"}`),
			Tags:           []string{"authentication", "negative"},
			Steps: []draftStep{
				step("Open the login form", "The login form is displayed"),
				step("Enter an unknown username and a wrong password", "The fields accept the input"),
				step("Submit the form", "An error message about invalid credentials is displayed"),
			},
		})
	}

	if fp.HasSearch {
		stock = append(stock, draft{
			Title:          "Search with empty query",
			Description:    "Verify the search behaviour when no query is entered",
			ExpectedResult: "The search is rejected or shows a helpful message",
			Tags:           []string{"search", "negative"},
			Steps: []draftStep{
				step("Locate the search field", "The search field is visible"),
				step("Submit the search without entering a query", "No server error occurs"),
				step("Observe the result", "A validation message or an empty-state page is displayed"),
			},
		})
	}

	if len(fp.Forms) > 0 {
		stock = append(stock, draft{
			Title:          "Form validation and submission",
			Description:    fmt.Sprintf("Test form validation rules on %s", page),
			ExpectedResult: "The form validates input correctly and submits when valid",
			Tags:           []string{"form", "validation"},
			Steps: []draftStep{
				step("Open the page containing the form", "The form is displayed with all fields"),
				step("Submit the form with required fields empty", "Validation errors are shown"),
				step("Fill all required fields with valid data", "Validation errors clear"),
				step("Submit the form", "The form submits successfully"),
			},
		})
	}

	if fp.PageType == introspect.PageEcommerce || fp.HasFeature(introspect.FeatureShoppingCart) {
		stock = append(stock, draft{
			Title:          "Shopping cart add and remove items",
			Description:    fmt.Sprintf("Test adding and removing items from the shopping cart on %s", page),
			ExpectedResult: "Items can be added to and removed from the cart",
			Tags:           []string{"ecommerce", "cart"},
			Steps: []draftStep{
				step("Browse the product catalog", "Products are displayed"),
				step("Add a product to the cart", "The cart shows the added item"),
				step("Remove the item from the cart", "The cart is empty"),
			},
		})
	}

	if fp.HasFeature(introspect.FeatureNavigation) {
		stock = append(stock, draft{
			Title:          "Website navigation flow",
			Description:    fmt.Sprintf("Test navigation between pages on %s", page),
			ExpectedResult: "All navigation elements work and pages load properly",
			Tags:           []string{"navigation", "usability"},
			Steps: []draftStep{
				step("Open the homepage", "The homepage loads"),
				step("Click each main navigation item", "Each page loads without errors"),
				step("Use the browser back button", "The previous page is restored"),
			},
		})
	}

	stock = append(stock,
		draft{
			Title:          "Security headers",
			Description:    "Verify that the page is served with standard security headers",
			ExpectedResult: "Security headers are present with safe values",
			Tags:           []string{"security", "headers"},
			Steps: []draftStep{
				step("Request "+fp.URL+" and capture the response headers", "The response is received"),
				step("Check Content-Security-Policy, X-Frame-Options and Strict-Transport-Security",
					"Each header is present with a restrictive value"),
			},
		},
		draft{
			Title:          "Page load performance",
			Description:    fmt.Sprintf("Measure the load time of %s", page),
			ExpectedResult: "The page becomes interactive within the agreed budget",
			Tags:           []string{"performance"},
			Steps: []draftStep{
				step("Open the page with an empty cache", "The page loads"),
				step("Record the time until the page is interactive", "The load time is within 3 seconds"),
			},
		},
		draft{
			Title:          "Visual layout",
			Description:    "Verify the layout on desktop and mobile viewports",
			ExpectedResult: "The layout adapts without overlapping or clipped elements",
			Tags:           []string{"visual", "responsive"},
			Steps: []draftStep{
				step("Open the page on a desktop viewport", "The layout renders correctly"),
				step("Open the page on a mobile viewport", "The layout adapts to the narrow screen"),
			},
		},
	)

	for k := 1; len(stock) < count; k++ {
		stock = append(stock, draft{
			Title:          fmt.Sprintf("Page content verification #%d", k),
			Description:    fmt.Sprintf("Verify that the content of %s is complete and readable", page),
			ExpectedResult: "The content is displayed as intended",
			Tags:           []string{"content"},
			Steps: []draftStep{
				step("Open "+fp.URL, "The page is displayed"),
				step("Review headings, text and images", "The content is complete and readable"),
			},
		})
	}

	stock = stock[:count]

	for i := range stock {
		stock[i].Steps = normalizeSteps(stock[i].Steps)
	}

	return stock
}
