// Package client is the Go SDK for the material ledger HTTP API served by
// ledgerd.
//
//	c, err := client.New("https://ledger.example.com",
//	    client.WithBearerToken(os.Getenv("LEDGER_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ev, err := c.AppendProductEvent(ctx, productID, client.AppendRequest{
//	    EventType: "CREATED",
//	    EventData: json.RawMessage(`{"name":"Bamboo Flooring","price":45.99}`),
//	})
//
// Reads need no token. Verification results are returned as-is: a broken
// chain is a successful call whose VerifyResult has Valid == false.
//
// Failed calls return an *APIError; use errors.Is with ErrNotFound,
// ErrUnauthorized, ErrConflict or ErrBadRequest to branch on the status.
package client
