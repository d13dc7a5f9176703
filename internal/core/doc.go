// Package core implements the layered build engine behind voxprov.
//
// A build is an ordered list of Steps. Each step produces a Layer: the
// filesystem delta it left in the image root plus its captured output. Layers
// are content-addressed by a LayerKey that chains the parent layer's key, the
// step definition, the image environment, the working directory and the
// content of every build-context file the step consumes. Two consequences:
//
//  1. A step whose key is already in the Cache is replayed, never re-run.
//  2. Changing a file only invalidates the first step that consumes it and
//     everything after it.
//
// Failed steps are never stored. A failure leaves the image root dirty and
// the next build restores it from cached layers before continuing.
package core
