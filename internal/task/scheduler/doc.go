// Package scheduler triggers periodic jobs from cron expressions or fixed
// intervals. Each schedule runs at most one job at a time; a trigger that
// fires while the previous run is still in flight is skipped.
package scheduler
