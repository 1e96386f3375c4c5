// Package textutil holds the string rules shared by path construction and
// keyword screening.
package textutil
