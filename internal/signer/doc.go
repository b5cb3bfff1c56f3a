// Package signer runs the external code-signing collaborator on a built artifact.
package signer
