// Package sasl implements the SASL XOAUTH2 mechanism used to authenticate
// IMAP sessions with an OAuth access token.
package sasl

import "github.com/emersion/go-sasl"

const ctrlA = "\x01"

// Encode builds the XOAUTH2 initial response for the given mailbox address
// and access token. The format is fixed by the mechanism:
//
//	user=<mailAddress>^Aauth=Bearer <accessToken>^A^A
//
// where ^A is the control byte 0x01. Any deviation, including the case of
// "Bearer", is rejected by the server.
func Encode(mailAddress, accessToken string) string {
	return "user=" + mailAddress + ctrlA + "auth=Bearer " + accessToken + ctrlA + ctrlA
}

type xoauth2Client struct {
	mailAddress string
	accessToken string
}

// NewXOAuth2Client returns a sasl.Client that presents the XOAUTH2 initial
// response, suitable for go-imap's Authenticate.
func NewXOAuth2Client(mailAddress, accessToken string) sasl.Client {
	return &xoauth2Client{mailAddress: mailAddress, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte(Encode(c.mailAddress, c.accessToken)), nil
}

// Next handles the server challenge. XOAUTH2 only challenges on failure,
// with a base64 JSON error blob; replying with an empty line prompts the
// server to finish with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
