// Package confirm answers installation decision points, either from an
// operator at a terminal or from pre-approved automation settings.
package confirm
