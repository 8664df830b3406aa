// Package build runs the packaging pipeline.
//
// A build takes a recipe through six stages in a fixed order: resolve the
// base image, install system packages, create the working directory,
// install language dependencies from the manifest, copy the application
// tree, and set the entrypoint. Each stage after the base adds at most one
// layer. Stages with nothing to do (no system packages, an empty manifest)
// are skipped without touching the runtime.
//
// Every layer-producing stage has a cache key that chains its parent's key
// with the stage's own inputs, so a change to the application tree only
// invalidates the copy stage while an unchanged manifest keeps the
// dependency layer. Container work is delegated to a [Backend]; the cache
// index to a [LayerCache].
//
// Example usage:
//
//	r, err := recipe.Load("packd.yaml")
//	if err != nil {
//	    return err
//	}
//
//	result, err := build.Run(ctx, rt, build.Options{
//	    Recipe: r,
//	    Output: "dist",
//	    Cache:  store,
//	})
//	if err != nil {
//	    return err
//	}
package build
