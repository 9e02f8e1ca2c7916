/*
Package images keeps the engine images a node's assignments need present
locally, and reclaims ones nothing references any more.

# Pull loop

Every pullLoopInterval, referencedImages flattens every model's
placement plan down to the docker_image references pinned to this node,
resolving each to its EngineImage record (if one was registered via the
admin API) to read its VersionPolicy:

  - Pin: pull only if no Present NodeImageStatus is already recorded for
    this node/image pair.
  - Rolling: pull unconditionally, so a moving tag (":latest", a nightly
    build) is refreshed every pass.

A bare docker_image override with no matching EngineImage record is
treated as Pin, since there is no policy to read.

# Garbage collection

Unlike the pull loop, GC has no store-resident signal for "safe to
delete" — Nebula does not label the images it pulls. gcOnce lists every
local image via the same containerd client the reconciler uses, filters
to ones whose name contains a known engine substring (vllm, sglang, ...) so an
operator's unrelated local images are never touched, and deletes one
only once it has been continuously unreferenced by any assignment on
this node for at least gcGracePeriod. This is explicitly heuristic, per
spec.md's open question about image GC: a "managed-by-nebula" label
would be more precise but isn't required to clear disk pressure in
practice.

# See Also

pkg/reconciler, which this package runs alongside on every GPU node and
shares its containerd-backed pkg/runtime.EngineRuntime with.
*/
package images
