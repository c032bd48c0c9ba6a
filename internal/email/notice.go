package email

import (
	"fmt"
	"strings"
	"time"
)

// VerificationNotice is the message sent to a supplier after a certificate
// has been checked with its issuing authority.
type VerificationNotice struct {
	SupplierName      string
	CertificateNumber string
	Provider          string
	Verified          bool
	CheckedAt         time.Time
	EventHash         string
}

// Subject returns the email subject line.
func (n VerificationNotice) Subject() string {
	outcome := "verified"
	if !n.Verified {
		outcome = "could not be verified"
	}
	return fmt.Sprintf("Certificate %s %s", n.CertificateNumber, outcome)
}

// Body returns the plain-text email body.
func (n VerificationNotice) Body() string {
	var b strings.Builder
	name := n.SupplierName
	if name == "" {
		name = "supplier"
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	if n.Verified {
		fmt.Fprintf(&b, "Certificate %s was confirmed as valid by %s on %s.\n",
			n.CertificateNumber, strings.ToUpper(n.Provider), n.CheckedAt.UTC().Format(time.RFC1123))
	} else {
		fmt.Fprintf(&b, "%s could not confirm certificate %s on %s.\n"+
			"Products relying on it will show the certification as unverified until it is renewed or corrected.\n",
			strings.ToUpper(n.Provider), n.CertificateNumber, n.CheckedAt.UTC().Format(time.RFC1123))
	}
	if n.EventHash != "" {
		fmt.Fprintf(&b, "\nLedger reference: %s\n", n.EventHash)
	}
	return b.String()
}
