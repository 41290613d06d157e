// Package textutil holds small string helpers shared by the kiln commands.
package textutil
