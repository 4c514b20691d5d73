package discovery

// Discovery abstracts how the seed members of a replica set are provided.
// Future implementations may include DNS or dynamic sources.
type Discovery interface {
	Seeds() []string
}
