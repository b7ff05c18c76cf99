package upstream

// TransactionIDSource produces the x-client-transaction-id header derived
// from upstream-embedded anti-bot data. Its generation is opaque and lives
// in a separate collaborator; requests attach the header when a source is
// configured and proceed without it otherwise.
type TransactionIDSource interface {
	GenerateID(method, path string) (string, error)
}
