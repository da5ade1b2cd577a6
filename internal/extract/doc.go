// Package extract turns a results page into an ordered list of product
// entries. Two decoders share one output contract: the intercepted search API
// payload, which carries exact ranks, and the rendered DOM, which is scraped
// by structural attributes when the payload is unavailable.
package extract
