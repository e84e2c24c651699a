package models

// Metadata keys written by ingestion and read by retrieval.
const (
	MetaText        = "text"
	MetaBook        = "book"
	MetaPageNumber  = "page_number"
	MetaChunkNumber = "chunk_number"
	MetaSource      = "source"
)

const (
	// ContextSeparator joins retrieved passages inside the prompt.
	ContextSeparator = "\n\n"
	// QuizProbe is the retrieval text used to sample a book for quiz generation.
	QuizProbe = "topics topic"
	// BooksProbe is the retrieval text used to sample the index for book names.
	BooksProbe = "book"
	// UnknownBook is reported in sources when a match carries no book metadata.
	UnknownBook = "unknown"
	// QuizOptionCount is the number of choices every quiz question must offer.
	QuizOptionCount = 4
	// QuizSchemaName names the structured output format sent to the generator.
	QuizSchemaName = "question_schema"
)

// NoRelevantContextMessage is returned instead of a generated answer when
// retrieval yields nothing usable.
const NoRelevantContextMessage = "I couldn't find any relevant information in the knowledge base for this question. Could you rephrase or ask something else?"

var (
	AnswerSystemPrompt = `You are a helpful assistant for educational books. Answer ONLY from the context supplied with the question. Always cite which book the information comes from when possible.
If the question is not related to the supplied context, politely tell the user that you are unable to answer it based on the provided information. Never add personal opinions or information that is not contained in the context, and do not mention that you were given context.`

	AnswerUserPromptTemplate = `Question: %s
Context from books:
%s
Please provide a helpful answer based on the context above. Do not include personal opinions or any information not contained in the context.`

	QuizSystemPromptTemplate = `You are a helpful assistant for educational books. Generate exactly %d multiple-choice quiz questions. Every question must have exactly %d options and name the correct answer, which must be one of the options. Give each question a short topic.
Use only information contained in the supplied material and do not mention that you were given material.`

	QuizUserPromptTemplate = `Topics from books:
%s
Create exactly %d quiz questions with %d options each and the correct answer, based only on the topics above.`
)
