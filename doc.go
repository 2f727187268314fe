// Package buildcache stores and restores the outputs of build steps.
//
// A cacheable entity names a set of output trees, each a single file or a
// directory. After the entity has run, Store packs the current state of its
// outputs into a deterministic tar archive together with origin metadata and
// files it under a key derived from the entity's inputs. A later Load with the
// same key removes whatever is at the output locations and unpacks the archive
// in their place.
//
// # Keys
//
// Keys are built from files, directories, glob patterns and raw values:
//
//	key := cache.Key().
//	    Dir("src", "*.tmp").
//	    Glob("proto/**/*.proto").
//	    File("go.mod").
//	    Version("1.4.0").
//	    Build()
//
// Files and directories contribute their relative paths and content. Glob
// matches contribute their content only, so moving a matched file does not
// change the key. The archive format and compression are part of every key.
//
// # Storing and loading
//
//	entity := &packaging.Entity{
//	    Name: ":app:compile",
//	    Trees: []packaging.OutputTree{
//	        {Name: "classes", Type: packaging.DirectoryTree, Root: "build/classes"},
//	        {Name: "report", Type: packaging.FileTree, Root: "build/report.txt"},
//	    },
//	}
//
//	res, err := cache.Load(ctx, key, entity)
//	if errors.Is(err, buildcache.ErrCacheMiss) {
//	    // run the step, then
//	    _, err = cache.Store(ctx, key, entity, elapsed)
//	}
//
// A corrupted entry is removed and reported as a miss. Failures to read a
// healthy entry are returned as errors and leave the output locations empty.
//
// # Layout
//
//	<root>/objects/<2 hex>/<hex>  archives
//	<root>/index/                 entry index (bolt or sqlite)
//	<root>/tmp/                   archives being written
//
// A remote service, such as an S3 bucket, may be configured with WithRemote.
// Remote hits are copied into the local directory before they are unpacked.
package buildcache
