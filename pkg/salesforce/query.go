package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Contact represents a Salesforce Contact record.
type Contact struct {
	ID             string `json:"Id" salesforce:"Id"`
	AccountID      string `json:"AccountId" salesforce:"AccountId"`
	FirstName      string `json:"FirstName" salesforce:"FirstName"`
	LastName       string `json:"LastName" salesforce:"LastName"`
	Name           string `json:"Name" salesforce:"Name"`
	Email          string `json:"Email" salesforce:"Email"`
	Title          string `json:"Title" salesforce:"Title"`
	Department     string `json:"Department" salesforce:"Department"`
	Phone          string `json:"Phone" salesforce:"Phone"`
	MobilePhone    string `json:"MobilePhone" salesforce:"MobilePhone"`
	MailingCity    string `json:"MailingCity" salesforce:"MailingCity"`
	MailingState   string `json:"MailingState" salesforce:"MailingState"`
	MailingCountry string `json:"MailingCountry" salesforce:"MailingCountry"`
}

// contactFields are the SOQL fields selected for Contact queries.
var contactFields = []string{
	"Id", "AccountId", "FirstName", "LastName", "Name", "Email",
	"Title", "Department", "Phone", "MobilePhone",
	"MailingCity", "MailingState", "MailingCountry",
}

// Get returns the value of a Contact field by its API name, and whether the
// name is known.
func (c *Contact) Get(field string) (string, bool) {
	switch field {
	case "Id":
		return c.ID, true
	case "AccountId":
		return c.AccountID, true
	case "FirstName":
		return c.FirstName, true
	case "LastName":
		return c.LastName, true
	case "Name":
		return c.Name, true
	case "Email":
		return c.Email, true
	case "Title":
		return c.Title, true
	case "Department":
		return c.Department, true
	case "Phone":
		return c.Phone, true
	case "MobilePhone":
		return c.MobilePhone, true
	case "MailingCity":
		return c.MailingCity, true
	case "MailingState":
		return c.MailingState, true
	case "MailingCountry":
		return c.MailingCountry, true
	}
	return "", false
}

// FindContactByID queries Salesforce for a Contact by its ID.
// Returns nil if no contact is found.
func FindContactByID(ctx context.Context, c Client, id string) (*Contact, error) {
	return findContact(ctx, c, "Id", id)
}

// FindContactByEmail queries Salesforce for the most recently modified
// Contact with the given email. Returns nil if no contact is found.
func FindContactByEmail(ctx context.Context, c Client, email string) (*Contact, error) {
	return findContact(ctx, c, "Email", email)
}

func findContact(ctx context.Context, c Client, column, value string) (*Contact, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Contact WHERE %s = '%s' ORDER BY LastModifiedDate DESC LIMIT 1",
		strings.Join(contactFields, ", "),
		column,
		escapeSoql(value),
	)

	var contacts []Contact
	if err := c.Query(ctx, soql, &contacts); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find contact by %s", strings.ToLower(column)))
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return &contacts[0], nil
}

// escapeSoql escapes backslashes and single quotes in SOQL string literals
// to prevent injection.
func escapeSoql(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", "\\'")
}
