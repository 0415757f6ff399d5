package summarize

// directSystemPrompt sets the role for single-call summarization.
const directSystemPrompt = `You are a precise summarization assistant. You produce faithful,
well-organized summaries of the documents you are given. You never invent
facts that are not present in the source material. When the material comes
from multiple sources, you attribute claims to their source by citing the
source URL or path in square brackets, e.g. [https://example.com/page].`

// directUserPrompt is the template for a direct summary. The first %s
// placeholder is replaced with the focus instruction, the second with the
// labeled source material.
const directUserPrompt = `Summarize the following material.%s

Preserve concrete facts, figures, and names. Cite the source of each major
claim in square brackets. End with a "Sources:" list of every source you
drew from.

---
%s
---`

// mapSystemPrompt sets the role for the map phase of map-reduce
// summarization. Each chunk is summarized in isolation.
const mapSystemPrompt = `You are a precise summarization assistant. You condense one excerpt of a
larger document into a compact partial summary. Keep every concrete fact,
figure, and name that the excerpt states. Do not add information the
excerpt does not contain. Do not write an introduction or conclusion; this
partial will be merged with others later.`

// mapUserPrompt is the template for one map call. The first %s placeholder
// is replaced with the focus instruction, the second with the excerpt.
const mapUserPrompt = `Condense this excerpt into a partial summary.%s

---
%s
---`

// reduceSystemPrompt sets the role for the reduce phase, which merges the
// partial summaries into the final answer.
const reduceSystemPrompt = `You are a precise summarization assistant. You merge partial summaries of
a document set into one coherent final summary. Resolve overlap between
partials, keep concrete facts, and attribute claims to their source by
citing the source URL or path in square brackets.`

// reduceUserPrompt is the template for the reduce call. The first %s
// placeholder is replaced with the focus instruction, the second with the
// source-labeled partial summaries.
const reduceUserPrompt = `Merge the following partial summaries into one final summary.%s

Each partial is labeled with the source it came from. Cite sources in
square brackets and end with a "Sources:" list of every source used.

---
%s
---`

// focusInstruction is appended to user prompts when the caller supplies a
// query. The %s placeholder is replaced with the query text.
const focusInstruction = "\nFocus on answering this question: %s"
