package compiler

import (
	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// CompileString compiles CUE source text into a Schema. filename is used in
// error positions and may be empty.
func CompileString(src, filename string) (*Schema, error) {
	ctx := cuecontext.New()
	var opts []cue.BuildOption
	if filename != "" {
		opts = append(opts, cue.Filename(filename))
	}
	v := ctx.CompileString(src, opts...)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return CompileSchema(v)
}
