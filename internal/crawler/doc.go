// Package crawler implements the crawl engine: the per-URL step, the
// breadth-first driver, resume reconstruction, the retry pass and the domain
// replacement pass, all writing through a rowstore.Store.
package crawler
