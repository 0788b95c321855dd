// Package portal drives the data portal's query form through a harvest.Session.
//
// The Navigator selects dimension values, submits and waits for the result
// markup; the AlertGuard clears interrupting dialogs; the Extractor turns the
// rendered result tables into rows.
package portal
