package httpjson

import (
	"strings"

	"github.com/sells-group/lead-enrichment/internal/model"
)

var placeholders = []string{
	"email", "first_name", "last_name", "name", "company",
	"domain", "phone", "linkedin_url", "field",
}

func knownPlaceholder(p string) bool {
	if strings.HasPrefix(p, "extra.") {
		return len(p) > len("extra.")
	}
	for _, k := range placeholders {
		if k == p {
			return true
		}
	}
	return false
}

// identityVars maps placeholder names to identity values for a request.
func identityVars(field string, id model.ContactIdentity) map[string]string {
	vars := map[string]string{
		"email":        id.Email,
		"first_name":   id.FirstName,
		"last_name":    id.LastName,
		"name":         id.FullName(),
		"company":      id.Company,
		"domain":       id.EmailDomain(),
		"phone":        id.Phone,
		"linkedin_url": id.LinkedInURL,
		"field":        field,
	}
	for k, v := range id.Extra {
		vars["extra."+k] = v
	}
	return vars
}

// expand replaces {placeholder} tokens in tmpl. Unknown placeholders
// expand to the empty string.
func expand(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	var b strings.Builder
	for {
		start := strings.IndexByte(tmpl, '{')
		if start < 0 {
			b.WriteString(tmpl)
			break
		}
		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			break
		}
		b.WriteString(tmpl[:start])
		b.WriteString(vars[tmpl[start+1:start+end]])
		tmpl = tmpl[start+end+1:]
	}
	return b.String()
}
