package query

import "github.com/podcast-rag/backend/internal/retrieval"

// SelectStrategy maps a classified query to the stores and modes to use. It is
// a pure function of its inputs. direct reports that no retrieval is needed.
func SelectStrategy(intent Intent, complexity Complexity, needsDecomposition bool, entities []string) (st retrieval.Strategy, direct bool) {
	detailed := complexity != ComplexitySimple
	multiEntity := len(entities) > 1

	switch intent {
	case IntentGreeting:
		return retrieval.Strategy{}, true
	case IntentOutOfScope:
		return retrieval.Strategy{}, false
	case IntentRelationship, IntentComparison, IntentCausal:
		st = retrieval.Strategy{
			UseRAG:       true,
			UseKG:        true,
			KGMode:       retrieval.KGModeMultiHop,
			RAGExpansion: true,
		}
	case IntentCrossEpisode:
		st = retrieval.Strategy{
			UseRAG:       true,
			UseKG:        true,
			KGMode:       retrieval.KGModeCrossEpisode,
			RAGExpansion: detailed || multiEntity,
		}
	case IntentDefinition, IntentFactual:
		st = retrieval.Strategy{UseRAG: true, RAGExpansion: detailed || multiEntity}
		if len(entities) > 0 {
			st.UseKG = true
			st.KGMode = retrieval.KGModeEntityCentric
		}
	default:
		st = retrieval.Strategy{UseRAG: true, RAGExpansion: detailed}
	}

	if needsDecomposition {
		st.RAGExpansion = st.RAGExpansion || detailed
	}
	st.Iterative = detailed
	return st, false
}
