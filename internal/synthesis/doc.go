// Package synthesis turns ranked passages into a cited answer and checks
// each cited claim against its source.
//
// Sources are numbered [1]..[n] in rank order and packed into a token
// budget, lowest ranked dropped first. The generator must cite every
// factual sentence. The verifier splits the answer into claims and accepts
// a claim when a cited source contains enough of its content words.
// Confidence is the fraction of claims verified. A verifier failure never
// fails the answer; it is returned with status unverified.
package synthesis
