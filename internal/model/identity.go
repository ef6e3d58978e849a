package model

import "strings"

// ContactIdentity holds whatever identifiers are known for a contact. Any
// subset may be empty; adapters decide which ones they can use.
type ContactIdentity struct {
	Email       string            `json:"email,omitempty"`
	FirstName   string            `json:"first_name,omitempty"`
	LastName    string            `json:"last_name,omitempty"`
	Name        string            `json:"name,omitempty"`
	Company     string            `json:"company,omitempty"`
	Domain      string            `json:"domain,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	LinkedInURL string            `json:"linkedin_url,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// IsEmpty reports whether no identifier is present.
func (c ContactIdentity) IsEmpty() bool {
	return c.Email == "" && c.FullName() == "" && c.Company == "" &&
		c.Domain == "" && c.Phone == "" && c.LinkedInURL == "" && len(c.Extra) == 0
}

// FullName returns Name, or FirstName and LastName joined.
func (c ContactIdentity) FullName() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// EmailDomain returns Domain, falling back to the host part of Email.
func (c ContactIdentity) EmailDomain() string {
	if c.Domain != "" {
		return c.Domain
	}
	if i := strings.LastIndex(c.Email, "@"); i >= 0 && i < len(c.Email)-1 {
		return c.Email[i+1:]
	}
	return ""
}

// Merge fills empty fields of c from other and returns the result.
func (c ContactIdentity) Merge(other ContactIdentity) ContactIdentity {
	if c.Email == "" {
		c.Email = other.Email
	}
	if c.FirstName == "" {
		c.FirstName = other.FirstName
	}
	if c.LastName == "" {
		c.LastName = other.LastName
	}
	if c.Name == "" {
		c.Name = other.Name
	}
	if c.Company == "" {
		c.Company = other.Company
	}
	if c.Domain == "" {
		c.Domain = other.Domain
	}
	if c.Phone == "" {
		c.Phone = other.Phone
	}
	if c.LinkedInURL == "" {
		c.LinkedInURL = other.LinkedInURL
	}
	if len(other.Extra) > 0 {
		merged := make(map[string]string, len(c.Extra)+len(other.Extra))
		for k, v := range other.Extra {
			merged[k] = v
		}
		for k, v := range c.Extra {
			merged[k] = v
		}
		c.Extra = merged
	}
	return c
}

// EnrichmentRequest carries the contact identity an execution runs against.
type EnrichmentRequest struct {
	ContactID string          `json:"contact_id"`
	Identity  ContactIdentity `json:"contact_data"`
}
