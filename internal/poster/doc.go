// Package poster owns the posting pipeline: a cadence loop that decides when
// the next post is due, and a single worker that drains the job queue one
// post at a time.
//
// The two loops communicate only through the job queue and the settings
// change signal. Posts are processed strictly in enqueue order; there is
// never more than one post in flight.
package poster
