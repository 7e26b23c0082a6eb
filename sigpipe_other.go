//go:build !unix

package tin

func ignoreSIGPIPE() {}
