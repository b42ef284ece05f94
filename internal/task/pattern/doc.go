// Package pattern compiles cron expressions and matches points in time
// against them.
//
// Expression format (whitespace separated):
//
//	┌───────────── second (0-59)            optional: omit for 5-field form
//	│ ┌───────────── minute (0-59)
//	│ │ ┌───────────── hour (0-23)
//	│ │ │ ┌───────────── day of month (1-31, L or 32 = last day)
//	│ │ │ │ ┌───────────── month (1-12 or JAN-DEC)
//	│ │ │ │ │ ┌───────────── day of week (0-7 or SUN-SAT, 0 and 7 = Sunday)
//	│ │ │ │ │ │ ┌───────────── year (1970-2099)  optional
//	│ │ │ │ │ │ │
//	* * * * * * *
//
// Each field accepts *, ?, n, a-b, a/n, */n, a-b/n and comma lists of those.
// A 5-field expression has no seconds; its second field is fixed to 0.
// Several expressions may be joined with "|"; the result matches when any
// of them does.
//
// When both day-of-month and day-of-week are restricted, a day qualifies if
// it satisfies either of them (classic cron OR rule). When only one is
// restricted, only that one applies.
package pattern
